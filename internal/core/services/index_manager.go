package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Embedder turns texts into unit vectors for a namespace. Model names the
// embedding model behind it. EmbeddingCache is the production implementation.
type Embedder interface {
	Embed(ctx context.Context, ns domain.Namespace, texts []string) ([][]float32, error)
	Model() string
}

// Scheduler queues a background rebuild of a namespace. RebuildScheduler
// implements it.
type Scheduler interface {
	Schedule(ns domain.Namespace)
}

// errSuperseded marks a rebuild whose store read predates a source removal.
var errSuperseded = errors.New("rebuild superseded by a newer generation")

// VectorMatch is a vector search hit resolved to its chunk.
type VectorMatch struct {
	Chunk      domain.Chunk
	Similarity float64
}

// snapshot is an immutable view of a namespace index. Upserts share the
// underlying ANN structure but publish a new snapshot with a longer slot
// table; slots beyond len(ids) are invisible to readers of this snapshot.
type snapshot struct {
	dimension int
	ids       []string
	slots     map[string]int
	chunks    map[string]domain.Chunk
	index     driven.VectorIndex
	updatedAt time.Time
}

func (s *snapshot) size() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// indexSpace holds the per-namespace state.
type indexSpace struct {
	ns domain.Namespace

	live atomic.Pointer[snapshot]

	// writeMu serialises rebuild swaps and upserts.
	writeMu sync.Mutex

	openMu sync.Mutex
	opened bool

	rebuilding atomic.Int32

	// upserted collects chunks added while a rebuild is running, so the
	// rebuild can carry them into its snapshot. Guarded by writeMu.
	upserted map[string]domain.Chunk

	// generation is bumped once a source removal has left the store. A
	// rebuild that started under an older generation is never published.
	// Guarded by writeMu.
	generation uint64

	metaMu    sync.Mutex
	updatedAt time.Time
}

// IndexManager owns one ANN snapshot per namespace. Searches read the
// published snapshot without locking; writers build off to the side and
// swap atomically.
type IndexManager struct {
	chunks    driven.ChunkStore
	embedder  Embedder
	factory   driven.VectorIndexFactory
	snapshots driven.SnapshotStore
	scheduler Scheduler
	now       func() time.Time

	mu     sync.Mutex
	spaces map[string]*indexSpace

	rebuilds singleflight.Group
}

// NewIndexManager creates an index manager. snapshots may be nil for a
// purely in-memory index.
func NewIndexManager(
	chunks driven.ChunkStore,
	embedder Embedder,
	factory driven.VectorIndexFactory,
	snapshots driven.SnapshotStore,
) *IndexManager {
	return &IndexManager{
		chunks:    chunks,
		embedder:  embedder,
		factory:   factory,
		snapshots: snapshots,
		now:       time.Now,
		spaces:    make(map[string]*indexSpace),
	}
}

// SetScheduler sets where a failed first open queues its retry.
func (m *IndexManager) SetScheduler(s Scheduler) {
	m.scheduler = s
}

func (m *IndexManager) space(ns domain.Namespace) *indexSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.spaces[ns.Key()]
	if !ok {
		sp = &indexSpace{ns: ns}
		m.spaces[ns.Key()] = sp
	}
	return sp
}

// Open loads the persisted snapshot of ns, rebuilding when it is missing
// or inconsistent. Only the first call does any work: when its rebuild
// fails, the retry is left to the scheduler and later calls return at once.
func (m *IndexManager) Open(ctx context.Context, ns domain.Namespace) error {
	sp := m.space(ns)
	sp.openMu.Lock()
	defer sp.openMu.Unlock()
	if sp.opened {
		return nil
	}

	ok, err := m.restore(ctx, sp)
	if err != nil {
		return err
	}
	sp.opened = true
	if ok {
		return nil
	}
	if _, err := m.RebuildAll(ctx, ns); err != nil {
		if m.scheduler != nil {
			logger.Info("index %s: first build failed, retrying in the background", ns)
			m.scheduler.Schedule(ns)
		}
		return err
	}
	return nil
}

// Restore publishes the persisted snapshot of ns if it is consistent, but
// never rebuilds. It reports whether ns now has a known index state.
func (m *IndexManager) Restore(ctx context.Context, ns domain.Namespace) (bool, error) {
	sp := m.space(ns)
	sp.openMu.Lock()
	defer sp.openMu.Unlock()
	if sp.opened || sp.live.Load() != nil {
		return true, nil
	}
	ok, err := m.restore(ctx, sp)
	if ok {
		sp.opened = true
	}
	return ok, err
}

// restore tries to publish the persisted snapshot. It reports false when
// a rebuild is needed.
func (m *IndexManager) restore(ctx context.Context, sp *indexSpace) (bool, error) {
	if m.snapshots == nil {
		return false, nil
	}
	meta, blob, err := m.snapshots.Load(ctx, sp.ns)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Info("index %s: no snapshot on disk, rebuilding", sp.ns)
		return false, nil
	case err != nil:
		logger.Warn("index %s: snapshot unreadable, rebuilding: %v", sp.ns, err)
		return false, nil
	}
	if !meta.Consistent() {
		logger.Warn("index %s: metadata inconsistent (size %d, %d ids), rebuilding", sp.ns, meta.Size, len(meta.ChunkIDs))
		return false, nil
	}
	if meta.Backend != "" && meta.Backend != m.factory.Name() {
		logger.Info("index %s: backend changed from %s to %s, rebuilding", sp.ns, meta.Backend, m.factory.Name())
		return false, nil
	}
	if model := m.embedder.Model(); meta.Model != "" && meta.Model != model {
		logger.Info("index %s: embedding model changed from %s to %s, rebuilding", sp.ns, meta.Model, model)
		return false, nil
	}
	if !meta.Matches(blob) {
		logger.Warn("index %s: blob does not match its metadata, rebuilding", sp.ns)
		return false, nil
	}
	if meta.Size == 0 {
		sp.live.Store(nil)
		sp.setUpdatedAt(meta.UpdatedAt)
		return true, nil
	}

	idx, err := m.factory.Load(meta.Dimension, blob)
	if err != nil {
		logger.Warn("index %s: blob unreadable, rebuilding: %v", sp.ns, err)
		return false, nil
	}
	if idx.Len() != meta.Size {
		logger.Warn("index %s: blob holds %d points, metadata says %d, rebuilding", sp.ns, idx.Len(), meta.Size)
		return false, nil
	}

	stored, err := m.chunks.Chunks(ctx, sp.ns)
	if err != nil {
		return false, fmt.Errorf("reading chunks: %w", err)
	}
	byID := make(map[string]domain.Chunk, len(stored))
	for _, c := range stored {
		byID[c.ID] = c
	}
	snap := &snapshot{
		dimension: meta.Dimension,
		ids:       append([]string(nil), meta.ChunkIDs...),
		slots:     make(map[string]int, meta.Size),
		chunks:    make(map[string]domain.Chunk, meta.Size),
		index:     idx,
		updatedAt: meta.UpdatedAt,
	}
	for slot, id := range meta.ChunkIDs {
		c, ok := byID[id]
		if !ok {
			logger.Warn("index %s: chunk %s no longer stored, rebuilding", sp.ns, id)
			return false, nil
		}
		snap.slots[id] = slot
		snap.chunks[id] = c
	}
	sp.live.Store(snap)
	sp.setUpdatedAt(meta.UpdatedAt)
	logger.Info("index %s: loaded %d points (dim %d)", sp.ns, meta.Size, meta.Dimension)
	return true, nil
}

// RebuildAll re-embeds every retrievable chunk and swaps in a fresh index.
// A call made while a rebuild of ns is in flight joins it and returns its
// result with Coalesced set. A rebuild overtaken by a source removal is
// discarded and the call waits for one that read the store afterwards.
func (m *IndexManager) RebuildAll(ctx context.Context, ns domain.Namespace) (domain.BuildResult, error) {
	sp := m.space(ns)
	for {
		v, err, shared := m.rebuilds.Do(ns.Key(), func() (any, error) {
			return m.rebuild(ctx, sp)
		})
		if errors.Is(err, errSuperseded) {
			logger.Debug("index %s: rebuild superseded, waiting for the newer one", ns)
			continue
		}
		if err != nil {
			return domain.BuildResult{}, err
		}
		res, _ := v.(domain.BuildResult)
		if shared {
			res.Coalesced = true
			logger.Info("index %s: rebuild already in flight, joined it", ns)
		}
		return res, nil
	}
}

// forceRebuild starts a rebuild that reads the store after this call,
// never reusing one already in flight.
func (m *IndexManager) forceRebuild(ctx context.Context, ns domain.Namespace) (domain.BuildResult, error) {
	m.rebuilds.Forget(ns.Key())
	return m.RebuildAll(ctx, ns)
}

func (m *IndexManager) rebuild(ctx context.Context, sp *indexSpace) (domain.BuildResult, error) {
	sp.writeMu.Lock()
	sp.rebuilding.Add(1)
	sp.upserted = make(map[string]domain.Chunk)
	gen := sp.generation
	sp.writeMu.Unlock()
	defer sp.rebuilding.Add(-1)

	logger.Section("Rebuild " + sp.ns.Key())
	start := time.Now()

	chunks, err := m.chunks.Chunks(ctx, sp.ns)
	if err != nil {
		return domain.BuildResult{}, fmt.Errorf("reading chunks: %w", err)
	}

	if len(chunks) == 0 {
		sp.writeMu.Lock()
		defer sp.writeMu.Unlock()
		if gen != sp.generation {
			return domain.BuildResult{}, errSuperseded
		}
		sp.live.Store(nil)
		now := m.now().UTC()
		sp.setUpdatedAt(now)
		if err := m.persist(ctx, sp.ns, nil, now); err != nil {
			return domain.BuildResult{}, err
		}
		logger.Info("index %s: empty corpus, no index", sp.ns)
		return domain.BuildResult{}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := m.embedder.Embed(ctx, sp.ns, texts)
	if err != nil {
		return domain.BuildResult{}, fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	dim := len(vecs[0])
	idx, err := m.factory.New(dim, len(chunks))
	if err != nil {
		return domain.BuildResult{}, fmt.Errorf("creating index: %w", err)
	}
	snap := &snapshot{
		dimension: dim,
		ids:       make([]string, 0, len(chunks)),
		slots:     make(map[string]int, len(chunks)),
		chunks:    make(map[string]domain.Chunk, len(chunks)),
		index:     idx,
	}
	for i, c := range chunks {
		if _, dup := snap.slots[c.ID]; dup {
			continue
		}
		slot := len(snap.ids)
		if err := idx.Add(slot, vecs[i]); err != nil {
			return domain.BuildResult{}, fmt.Errorf("adding chunk %s: %w", c.ID, err)
		}
		snap.ids = append(snap.ids, c.ID)
		snap.slots[c.ID] = slot
		snap.chunks[c.ID] = c
	}

	sp.writeMu.Lock()
	defer sp.writeMu.Unlock()
	if gen != sp.generation {
		logger.Info("index %s: dropping rebuild of %d points read before a source removal", sp.ns, len(snap.ids))
		return domain.BuildResult{}, errSuperseded
	}
	m.carryOver(ctx, sp, snap)
	snap.updatedAt = m.now().UTC()
	sp.live.Store(snap)
	sp.setUpdatedAt(snap.updatedAt)

	if err := m.persist(ctx, sp.ns, snap, snap.updatedAt); err != nil {
		return domain.BuildResult{}, err
	}
	logger.Info("index %s: rebuilt %d points (dim %d) in %s", sp.ns, len(snap.ids), dim, time.Since(start))
	return domain.BuildResult{Count: len(snap.ids), Dimension: dim}, nil
}

// carryOver adds chunks upserted during the rebuild that the rebuild's own
// store read missed. Chunks deleted from the store meanwhile are dropped.
// Caller holds writeMu.
func (m *IndexManager) carryOver(ctx context.Context, sp *indexSpace, snap *snapshot) {
	if len(sp.upserted) == 0 {
		return
	}
	var missing []domain.Chunk
	for id, c := range sp.upserted {
		if _, ok := snap.slots[id]; ok {
			continue
		}
		if _, err := m.chunks.Get(ctx, sp.ns, id); err != nil {
			continue
		}
		missing = append(missing, c)
	}
	sp.upserted = make(map[string]domain.Chunk)
	if len(missing) == 0 {
		return
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].ID < missing[j].ID })

	texts := make([]string, len(missing))
	for i, c := range missing {
		texts[i] = c.Text
	}
	vecs, err := m.embedder.Embed(ctx, sp.ns, texts)
	if err != nil {
		logger.Warn("index %s: carrying %d concurrent upserts: %v", sp.ns, len(missing), err)
		return
	}
	for i, c := range missing {
		if len(vecs[i]) != snap.dimension {
			continue
		}
		slot := len(snap.ids)
		if err := snap.index.Add(slot, vecs[i]); err != nil {
			logger.Warn("index %s: carrying chunk %s: %v", sp.ns, c.ID, err)
			return
		}
		snap.ids = append(snap.ids, c.ID)
		snap.slots[c.ID] = slot
		snap.chunks[c.ID] = c
	}
}

// UpsertChunks adds chunks that are not yet indexed. With no live index it
// behaves like a first RebuildAll.
func (m *IndexManager) UpsertChunks(ctx context.Context, ns domain.Namespace, chunks []domain.Chunk) (domain.UpsertResult, error) {
	sp := m.space(ns)
	if len(chunks) == 0 {
		return domain.UpsertResult{Size: sp.live.Load().size()}, nil
	}

	sp.writeMu.Lock()
	cur := sp.live.Load()
	if cur == nil {
		sp.writeMu.Unlock()
		res, err := m.RebuildAll(ctx, ns)
		if err != nil {
			return domain.UpsertResult{}, err
		}
		return domain.UpsertResult{Added: res.Count, Size: res.Count}, nil
	}
	defer sp.writeMu.Unlock()

	var fresh []domain.Chunk
	seen := make(map[string]struct{})
	skipped := 0
	for _, c := range chunks {
		if !c.Retrievable() {
			skipped++
			continue
		}
		if _, ok := cur.slots[c.ID]; ok {
			skipped++
			continue
		}
		if _, ok := seen[c.ID]; ok {
			skipped++
			continue
		}
		seen[c.ID] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return domain.UpsertResult{Skipped: skipped, Size: cur.size()}, nil
	}

	texts := make([]string, len(fresh))
	for i, c := range fresh {
		texts[i] = c.Text
	}
	vecs, err := m.embedder.Embed(ctx, ns, texts)
	if err != nil {
		return domain.UpsertResult{}, fmt.Errorf("embedding %d chunks: %w", len(fresh), err)
	}
	for _, v := range vecs {
		if len(v) != cur.dimension {
			return domain.UpsertResult{}, fmt.Errorf("%w: got %d, index has %d", domain.ErrDimensionMismatch, len(v), cur.dimension)
		}
	}

	next := &snapshot{
		dimension: cur.dimension,
		ids:       make([]string, len(cur.ids), len(cur.ids)+len(fresh)),
		slots:     make(map[string]int, len(cur.ids)+len(fresh)),
		chunks:    make(map[string]domain.Chunk, len(cur.ids)+len(fresh)),
		index:     cur.index,
	}
	copy(next.ids, cur.ids)
	for id, slot := range cur.slots {
		next.slots[id] = slot
	}
	for id, c := range cur.chunks {
		next.chunks[id] = c
	}
	for i, c := range fresh {
		slot := len(next.ids)
		if err := next.index.Add(slot, vecs[i]); err != nil {
			return domain.UpsertResult{}, fmt.Errorf("adding chunk %s: %w", c.ID, err)
		}
		next.ids = append(next.ids, c.ID)
		next.slots[c.ID] = slot
		next.chunks[c.ID] = c
		if sp.rebuilding.Load() > 0 {
			sp.upserted[c.ID] = c
		}
	}
	next.updatedAt = m.now().UTC()
	sp.live.Store(next)
	sp.setUpdatedAt(next.updatedAt)

	if err := m.persist(ctx, ns, next, next.updatedAt); err != nil {
		return domain.UpsertResult{}, err
	}
	logger.Info("index %s: upserted %d points (%d skipped), size %d", ns, len(fresh), skipped, len(next.ids))
	return domain.UpsertResult{Added: len(fresh), Skipped: skipped, Size: len(next.ids)}, nil
}

// RemoveSource deletes every chunk of sourceID from the store and rebuilds.
// When it returns, no search on ns can see the removed chunks.
func (m *IndexManager) RemoveSource(ctx context.Context, ns domain.Namespace, sourceID string) (domain.BuildResult, error) {
	if sourceID == "" {
		return domain.BuildResult{}, fmt.Errorf("%w: empty source id", domain.ErrInvalidInput)
	}
	removed, err := m.chunks.RemoveSource(ctx, ns, sourceID)
	if err != nil {
		return domain.BuildResult{}, fmt.Errorf("removing source %s: %w", sourceID, err)
	}
	logger.Info("index %s: removed %d chunks of source %s", ns, removed, sourceID)

	sp := m.space(ns)
	sp.writeMu.Lock()
	sp.generation++
	sp.writeMu.Unlock()
	return m.forceRebuild(ctx, ns)
}

// Search returns up to k chunks nearest to vec. A namespace without an
// index yields no matches.
func (m *IndexManager) Search(_ context.Context, ns domain.Namespace, vec []float32, k int) ([]VectorMatch, error) {
	snap := m.space(ns).live.Load()
	if snap == nil || k <= 0 {
		return nil, nil
	}
	if len(vec) != snap.dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", domain.ErrDimensionMismatch, len(vec), snap.dimension)
	}

	// Points appended after this snapshot was published may crowd the
	// top k; ask for enough extra to cover them.
	extra := max(snap.index.Len()-len(snap.ids), 0)
	hits, err := snap.index.Search(vec, k+extra)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]VectorMatch, 0, min(k, len(hits)))
	for _, h := range hits {
		if h.Slot < 0 || h.Slot >= len(snap.ids) {
			continue
		}
		out = append(out, VectorMatch{
			Chunk:      snap.chunks[snap.ids[h.Slot]],
			Similarity: h.Similarity,
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// HasIndex reports whether ns currently has a published index.
func (m *IndexManager) HasIndex(ns domain.Namespace) bool {
	return m.space(ns).live.Load() != nil
}

// Status reports the published snapshot of ns.
func (m *IndexManager) Status(ns domain.Namespace) domain.IndexStatus {
	sp := m.space(ns)
	snap := sp.live.Load()
	st := domain.IndexStatus{
		Namespace:  ns,
		Size:       snap.size(),
		UpdatedAt:  sp.getUpdatedAt(),
		Backend:    m.factory.Name(),
		Rebuilding: sp.rebuilding.Load() > 0,
	}
	if snap != nil {
		st.Dimension = snap.dimension
	}
	return st
}

// persist writes the snapshot blob and metadata. A nil snapshot records an
// empty index.
func (m *IndexManager) persist(ctx context.Context, ns domain.Namespace, snap *snapshot, at time.Time) error {
	if m.snapshots == nil {
		return nil
	}
	meta := domain.IndexMeta{
		UpdatedAt: at,
		Backend:   m.factory.Name(),
		Version:   domain.IndexMetaVersion,
		ChunkIDs:  []string{},
		Model:     m.embedder.Model(),
	}
	var blob []byte
	if snap != nil {
		var err error
		blob, err = snap.index.MarshalBinary()
		if err != nil {
			return fmt.Errorf("serialising index: %w", err)
		}
		meta.Dimension = snap.dimension
		meta.Size = len(snap.ids)
		meta.ChunkIDs = snap.ids
		meta.Checksum = domain.BlobChecksum(blob)
	}
	if err := m.snapshots.Save(ctx, ns, meta, blob); err != nil {
		return fmt.Errorf("persisting index: %w", err)
	}
	return nil
}

func (sp *indexSpace) setUpdatedAt(t time.Time) {
	sp.metaMu.Lock()
	defer sp.metaMu.Unlock()
	sp.updatedAt = t
}

func (sp *indexSpace) getUpdatedAt() time.Time {
	sp.metaMu.Lock()
	defer sp.metaMu.Unlock()
	return sp.updatedAt
}
