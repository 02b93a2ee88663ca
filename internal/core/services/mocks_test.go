package services

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// --- fakeEmbedder ---

// fakeEmbedder returns fixed vectors for known texts and bag-of-words
// hashed vectors for everything else.
type fakeEmbedder struct {
	mu      sync.Mutex
	dim     int
	vectors map[string][]float32
	calls   [][]string
	err     error
	block   bool
	gate    chan struct{}
}

var _ driven.EmbeddingService = (*fakeEmbedder)(nil)

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(text string, vec ...float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[text] = vec
}

func (f *fakeEmbedder) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEmbedder) textsSent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c...)
	}
	return out
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	err, block, gate := f.err, f.block, f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		f.mu.Lock()
		v, ok := f.vectors[t]
		f.mu.Unlock()
		if ok {
			out[i] = append([]float32(nil), v...)
			continue
		}
		out[i] = bagOfWords(t, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }
func (f *fakeEmbedder) ModelName() string { return "fake" }
func (f *fakeEmbedder) Ping(_ context.Context) error { return nil }
func (f *fakeEmbedder) Close() error { return nil }

func bagOfWords(text string, dim int) []float32 {
	v := make([]float32, dim)
	for _, w := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[int(h.Sum32())%dim]++
	}
	nonZero := false
	for _, x := range v {
		if x != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		v[0] = 1
	}
	return v
}

// --- memoryLog ---

type memoryLog struct {
	mu        sync.Mutex
	entries   map[string][]domain.EmbeddingCacheEntry
	corrupt   int
	appendErr error
}

var _ driven.EmbeddingLog = (*memoryLog)(nil)

func newMemoryLog() *memoryLog {
	return &memoryLog{entries: make(map[string][]domain.EmbeddingCacheEntry)}
}

func (l *memoryLog) Append(_ context.Context, ns domain.Namespace, entries []domain.EmbeddingCacheEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	l.entries[ns.Key()] = append(l.entries[ns.Key()], entries...)
	return nil
}

func (l *memoryLog) Replay(_ context.Context, ns domain.Namespace, fn func(domain.EmbeddingCacheEntry)) (int, error) {
	l.mu.Lock()
	entries := append([]domain.EmbeddingCacheEntry(nil), l.entries[ns.Key()]...)
	corrupt := l.corrupt
	l.mu.Unlock()
	for _, e := range entries {
		fn(e)
	}
	return corrupt, nil
}

func (l *memoryLog) count(ns domain.Namespace) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[ns.Key()])
}

// --- mockChunkStore ---

type mockChunkStore struct {
	mu      sync.RWMutex
	chunks  map[string][]domain.Chunk
	subs    map[string][]func(domain.ChangeEvent)
	listErr error
}

var (
	_ driven.ChunkStore     = (*mockChunkStore)(nil)
	_ driven.ChangeNotifier = (*mockChunkStore)(nil)
)

func newMockChunkStore() *mockChunkStore {
	return &mockChunkStore{
		chunks: make(map[string][]domain.Chunk),
		subs:   make(map[string][]func(domain.ChangeEvent)),
	}
}

func (s *mockChunkStore) Append(_ context.Context, ns domain.Namespace, chunks []domain.Chunk) error {
	s.mu.Lock()
	existing := make(map[string]bool)
	for _, c := range s.chunks[ns.Key()] {
		existing[c.ID] = true
	}
	var ids []string
	for _, c := range chunks {
		if existing[c.ID] {
			continue
		}
		existing[c.ID] = true
		s.chunks[ns.Key()] = append(s.chunks[ns.Key()], c)
		ids = append(ids, c.ID)
	}
	subs := append([]func(domain.ChangeEvent){}, s.subs[ns.Key()]...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeAdded, ChunkIDs: ids, At: time.Now()})
	}
	return nil
}

func (s *mockChunkStore) Chunks(_ context.Context, ns domain.Namespace) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.Chunk
	for _, c := range s.chunks[ns.Key()] {
		if c.Retrievable() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *mockChunkStore) Get(_ context.Context, ns domain.Namespace, id string) (*domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chunks[ns.Key()] {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockChunkStore) RemoveSource(_ context.Context, ns domain.Namespace, sourceID string) (int, error) {
	s.mu.Lock()
	kept := s.chunks[ns.Key()][:0:0]
	removed := 0
	for _, c := range s.chunks[ns.Key()] {
		if c.SourceID == sourceID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.chunks[ns.Key()] = kept
	s.mu.Unlock()
	return removed, nil
}

func (s *mockChunkStore) Count(_ context.Context, ns domain.Namespace) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[ns.Key()]), nil
}

func (s *mockChunkStore) Subscribe(ns domain.Namespace, fn func(domain.ChangeEvent)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[ns.Key()] = append(s.subs[ns.Key()], fn)
	idx := len(s.subs[ns.Key()]) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[ns.Key()][idx] = func(domain.ChangeEvent) {}
	}, nil
}

func (s *mockChunkStore) subscribers(ns domain.Namespace) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[ns.Key()])
}

// --- mockIndex ---

type mockIndex struct {
	mu   sync.RWMutex
	dim  int
	vecs [][]float32
}

var _ driven.VectorIndex = (*mockIndex)(nil)

func (m *mockIndex) Add(slot int, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(vec) != m.dim {
		return domain.ErrDimensionMismatch
	}
	if slot != len(m.vecs) {
		return errors.New("mock index: non-sequential slot")
	}
	m.vecs = append(m.vecs, vec)
	return nil
}

func (m *mockIndex) Search(query []float32, k int) ([]driven.VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]driven.VectorHit, 0, len(m.vecs))
	for slot, v := range m.vecs {
		hits = append(hits, driven.VectorHit{Slot: slot, Similarity: cosine(query, v)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *mockIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vecs)
}

func (m *mockIndex) Dimension() int { return m.dim }

func (m *mockIndex) MarshalBinary() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.vecs)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type mockFactory struct {
	mu      sync.Mutex
	created int
	loadErr error
}

var _ driven.VectorIndexFactory = (*mockFactory)(nil)

func (f *mockFactory) Name() string { return "mock" }

func (f *mockFactory) New(dim, _ int) (driven.VectorIndex, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return &mockIndex{dim: dim}, nil
}

func (f *mockFactory) Load(dim int, blob []byte) (driven.VectorIndex, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	idx := &mockIndex{dim: dim}
	if err := json.Unmarshal(blob, &idx.vecs); err != nil {
		return nil, err
	}
	return idx, nil
}

func (f *mockFactory) builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// --- memorySnapshots ---

type memorySnapshots struct {
	mu    sync.Mutex
	metas map[string]domain.IndexMeta
	blobs map[string][]byte
	saves int
}

var _ driven.SnapshotStore = (*memorySnapshots)(nil)

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{metas: make(map[string]domain.IndexMeta), blobs: make(map[string][]byte)}
}

func (s *memorySnapshots) Save(_ context.Context, ns domain.Namespace, meta domain.IndexMeta, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[ns.Key()] = meta
	s.blobs[ns.Key()] = blob
	s.saves++
	return nil
}

func (s *memorySnapshots) Load(_ context.Context, ns domain.Namespace) (domain.IndexMeta, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[ns.Key()]
	if !ok {
		return domain.IndexMeta{}, nil, domain.ErrNotFound
	}
	return meta, s.blobs[ns.Key()], nil
}

func (s *memorySnapshots) meta(ns domain.Namespace) (domain.IndexMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[ns.Key()]
	return m, ok
}
