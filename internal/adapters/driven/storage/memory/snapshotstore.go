package memory

import (
	"context"
	"sync"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// Ensure SnapshotStore implements the interface.
var _ driven.SnapshotStore = (*SnapshotStore)(nil)

type storedSnapshot struct {
	meta domain.IndexMeta
	blob []byte
}

// SnapshotStore keeps index snapshots in memory.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]storedSnapshot
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[string]storedSnapshot)}
}

// Save replaces the snapshot of ns.
func (s *SnapshotStore) Save(_ context.Context, ns domain.Namespace, meta domain.IndexMeta, blob []byte) error {
	meta.ChunkIDs = append([]string(nil), meta.ChunkIDs...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[ns.Key()] = storedSnapshot{meta: meta, blob: append([]byte(nil), blob...)}
	return nil
}

// Load returns the snapshot of ns.
func (s *SnapshotStore) Load(_ context.Context, ns domain.Namespace) (domain.IndexMeta, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[ns.Key()]
	if !ok {
		return domain.IndexMeta{}, nil, domain.ErrNotFound
	}
	meta := snap.meta
	meta.ChunkIDs = append([]string(nil), meta.ChunkIDs...)
	if len(snap.blob) == 0 {
		return meta, nil, nil
	}
	return meta, append([]byte(nil), snap.blob...), nil
}
