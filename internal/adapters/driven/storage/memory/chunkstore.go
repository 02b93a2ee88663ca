// Package memory provides in-memory implementations of the driven ports.
// They back tests and the --ephemeral mode of the CLI.
package memory

import (
	"context"
	"sync"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/changefeed"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// Ensure ChunkStore implements the interfaces.
var (
	_ driven.ChunkStore     = (*ChunkStore)(nil)
	_ driven.ChangeNotifier = (*ChunkStore)(nil)
)

// ChunkStore is an in-memory implementation of driven.ChunkStore.
type ChunkStore struct {
	*changefeed.Hub

	mu     sync.RWMutex
	chunks map[string][]domain.Chunk
	ids    map[string]map[string]int
}

// NewChunkStore creates a new in-memory chunk store.
func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		Hub:    changefeed.NewHub(),
		chunks: make(map[string][]domain.Chunk),
		ids:    make(map[string]map[string]int),
	}
}

// Append stores chunks, ignoring IDs already present.
func (s *ChunkStore) Append(_ context.Context, ns domain.Namespace, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	key := ns.Key()
	if s.ids[key] == nil {
		s.ids[key] = make(map[string]int)
	}
	added := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := s.ids[key][c.ID]; ok {
			continue
		}
		s.ids[key][c.ID] = len(s.chunks[key])
		s.chunks[key] = append(s.chunks[key], c)
		added = append(added, c.ID)
	}
	s.mu.Unlock()

	if len(added) > 0 {
		s.Publish(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeAdded, ChunkIDs: added})
	}
	return nil
}

// Chunks returns retrievable chunks in insertion order.
func (s *ChunkStore) Chunks(_ context.Context, ns domain.Namespace) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Chunk, 0, len(s.chunks[ns.Key()]))
	for _, c := range s.chunks[ns.Key()] {
		if c.Retrievable() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Get retrieves a chunk by ID.
func (s *ChunkStore) Get(_ context.Context, ns domain.Namespace, id string) (*domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.ids[ns.Key()][id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := s.chunks[ns.Key()][i]
	return &c, nil
}

// SetStatus changes the moderation state of a chunk.
func (s *ChunkStore) SetStatus(_ context.Context, ns domain.Namespace, id string, status domain.ChunkStatus) error {
	s.mu.Lock()
	i, ok := s.ids[ns.Key()][id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	s.chunks[ns.Key()][i].Status = status
	sourceID := s.chunks[ns.Key()][i].SourceID
	s.mu.Unlock()

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

// RemoveSource deletes every chunk of sourceID.
func (s *ChunkStore) RemoveSource(_ context.Context, ns domain.Namespace, sourceID string) (int, error) {
	s.mu.Lock()
	key := ns.Key()
	kept := make([]domain.Chunk, 0, len(s.chunks[key]))
	ids := make(map[string]int, len(s.chunks[key]))
	removed := 0
	for _, c := range s.chunks[key] {
		if c.SourceID == sourceID {
			removed++
			continue
		}
		ids[c.ID] = len(kept)
		kept = append(kept, c)
	}
	s.chunks[key] = kept
	s.ids[key] = ids
	s.mu.Unlock()

	if removed > 0 {
		s.Publish(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeRemoved, SourceID: sourceID})
	}
	return removed, nil
}

// Count returns the number of stored chunks.
func (s *ChunkStore) Count(_ context.Context, ns domain.Namespace) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[ns.Key()]), nil
}
