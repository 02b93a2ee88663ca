package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/changefeed"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Ensure ChunkStore implements the interfaces.
var (
	_ driven.ChunkStore     = (*ChunkStore)(nil)
	_ driven.ChangeNotifier = (*ChunkStore)(nil)
)

// ChunkStore keeps chunks in an append-only chunks.jsonl per namespace.
// The file is re-read on every call, so lines appended by other writers
// are picked up without a restart.
type ChunkStore struct {
	*changefeed.Hub

	layout Layout

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewChunkStore creates a chunk store rooted at root.
func NewChunkStore(root string) *ChunkStore {
	return &ChunkStore{
		Hub:    changefeed.NewHub(),
		layout: Layout{Root: root},
		locks:  make(map[string]*sync.RWMutex),
	}
}

// Layout returns the directory layout of the store.
func (s *ChunkStore) Layout() Layout {
	return s.layout
}

func (s *ChunkStore) lock(ns domain.Namespace) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ns.Key()]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[ns.Key()] = l
	}
	return l
}

// readAll returns every well-formed record, first occurrence of an ID wins.
func (s *ChunkStore) readAll(ns domain.Namespace) ([]domain.Chunk, error) {
	path, err := s.layout.Path(ns, ChunksFile)
	if err != nil {
		return nil, err
	}
	var out []domain.Chunk
	seen := make(map[string]bool)
	err = scanLines(path, func(n int, line []byte) {
		var c domain.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			logger.Warn("%s line %d: skipping malformed chunk: %v", ChunksFile, n, err)
			return
		}
		if err := c.Validate(); err != nil {
			logger.Warn("%s line %d: skipping invalid chunk %q", ChunksFile, n, c.ID)
			return
		}
		if seen[c.ID] {
			return
		}
		seen[c.ID] = true
		out = append(out, c)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ChunkStore) rewrite(ns domain.Namespace, chunks []domain.Chunk) error {
	path, err := s.layout.Path(ns, ChunksFile)
	if err != nil {
		return err
	}
	return rewriteAtomic(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		for i := range chunks {
			if err := enc.Encode(&chunks[i]); err != nil {
				return fmt.Errorf("encoding chunk %s: %w", chunks[i].ID, err)
			}
		}
		return nil
	})
}

// Append writes chunks whose ID is not yet stored.
func (s *ChunkStore) Append(ctx context.Context, ns domain.Namespace, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("chunk %q: %w", c.ID, err)
		}
	}
	path, err := s.layout.Path(ns, ChunksFile)
	if err != nil {
		return err
	}

	l := s.lock(ns)
	l.Lock()
	existing, err := s.readAll(ns)
	if err != nil {
		l.Unlock()
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[c.ID] = true
	}
	var lines [][]byte
	var added []string
	for i := range chunks {
		if seen[chunks[i].ID] {
			continue
		}
		seen[chunks[i].ID] = true
		line, err := json.Marshal(&chunks[i])
		if err != nil {
			l.Unlock()
			return fmt.Errorf("encoding chunk %s: %w", chunks[i].ID, err)
		}
		lines = append(lines, line)
		added = append(added, chunks[i].ID)
	}
	if err := ctx.Err(); err != nil {
		l.Unlock()
		return err
	}
	if len(lines) > 0 {
		err = appendLines(path, lines)
	}
	l.Unlock()
	if err != nil {
		return err
	}

	if len(added) > 0 {
		logger.Debug("chunks %s: appended %d", ns, len(added))
		s.Publish(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeAdded, ChunkIDs: added})
	}
	return nil
}

// Chunks returns retrievable chunks in file order.
func (s *ChunkStore) Chunks(_ context.Context, ns domain.Namespace) ([]domain.Chunk, error) {
	l := s.lock(ns)
	l.RLock()
	defer l.RUnlock()

	all, err := s.readAll(ns)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Chunk, 0, len(all))
	for _, c := range all {
		if c.Retrievable() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Get retrieves a chunk by ID.
func (s *ChunkStore) Get(_ context.Context, ns domain.Namespace, id string) (*domain.Chunk, error) {
	l := s.lock(ns)
	l.RLock()
	defer l.RUnlock()

	all, err := s.readAll(ns)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

// SetStatus changes the moderation state of a chunk.
func (s *ChunkStore) SetStatus(_ context.Context, ns domain.Namespace, id string, status domain.ChunkStatus) error {
	l := s.lock(ns)
	l.Lock()
	all, err := s.readAll(ns)
	if err != nil {
		l.Unlock()
		return err
	}
	sourceID := ""
	for i := range all {
		if all[i].ID == id {
			all[i].Status = status
			sourceID = all[i].SourceID
			break
		}
	}
	if sourceID == "" {
		l.Unlock()
		return domain.ErrNotFound
	}
	err = s.rewrite(ns, all)
	l.Unlock()
	if err != nil {
		return err
	}

	kind := domain.ChangeUpdated
	switch status {
	case domain.ChunkStatusApproved:
		kind = domain.ChangeApproved
	case domain.ChunkStatusRejected:
		kind = domain.ChangeRejected
	}
	s.Publish(domain.ChangeEvent{Namespace: ns, Kind: kind, SourceID: sourceID, ChunkIDs: []string{id}})
	return nil
}

// RemoveSource rewrites the log without the chunks of sourceID.
func (s *ChunkStore) RemoveSource(_ context.Context, ns domain.Namespace, sourceID string) (int, error) {
	l := s.lock(ns)
	l.Lock()
	all, err := s.readAll(ns)
	if err != nil {
		l.Unlock()
		return 0, err
	}
	kept := make([]domain.Chunk, 0, len(all))
	for _, c := range all {
		if c.SourceID != sourceID {
			kept = append(kept, c)
		}
	}
	removed := len(all) - len(kept)
	if removed > 0 {
		err = s.rewrite(ns, kept)
	}
	l.Unlock()
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		logger.Info("chunks %s: removed %d chunks of source %s", ns, removed, sourceID)
		s.Publish(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeRemoved, SourceID: sourceID})
	}
	return removed, nil
}

// Count returns the number of stored chunks, retrievable or not.
func (s *ChunkStore) Count(_ context.Context, ns domain.Namespace) (int, error) {
	l := s.lock(ns)
	l.RLock()
	defer l.RUnlock()

	all, err := s.readAll(ns)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}
