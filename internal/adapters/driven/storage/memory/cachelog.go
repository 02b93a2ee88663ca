package memory

import (
	"context"
	"sync"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// Ensure EmbeddingLog implements the interface.
var _ driven.EmbeddingLog = (*EmbeddingLog)(nil)

// EmbeddingLog keeps cache entries in memory.
type EmbeddingLog struct {
	mu      sync.Mutex
	entries map[string][]domain.EmbeddingCacheEntry
}

// NewEmbeddingLog creates an empty log.
func NewEmbeddingLog() *EmbeddingLog {
	return &EmbeddingLog{entries: make(map[string][]domain.EmbeddingCacheEntry)}
}

// Append records entries. Vectors are copied.
func (l *EmbeddingLog) Append(_ context.Context, ns domain.Namespace, entries []domain.EmbeddingCacheEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		l.entries[ns.Key()] = append(l.entries[ns.Key()], domain.EmbeddingCacheEntry{
			Hash:   e.Hash,
			Vector: append([]float32(nil), e.Vector...),
		})
	}
	return nil
}

// Replay streams entries in write order.
func (l *EmbeddingLog) Replay(ctx context.Context, ns domain.Namespace, fn func(domain.EmbeddingCacheEntry)) (int, error) {
	l.mu.Lock()
	entries := append([]domain.EmbeddingCacheEntry(nil), l.entries[ns.Key()]...)
	l.mu.Unlock()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		fn(e)
	}
	return 0, nil
}

// Len returns the number of entries recorded for ns.
func (l *EmbeddingLog) Len(ns domain.Namespace) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries[ns.Key()])
}
