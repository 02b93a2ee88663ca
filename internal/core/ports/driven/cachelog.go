package driven

import (
	"context"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// EmbeddingLog persists embedding cache entries in append-only form.
type EmbeddingLog interface {
	// Append durably records entries.
	Append(ctx context.Context, ns domain.Namespace, entries []domain.EmbeddingCacheEntry) error

	// Replay streams every readable entry to fn in write order.
	// Malformed records are skipped and counted; they never abort the replay.
	Replay(ctx context.Context, ns domain.Namespace, fn func(domain.EmbeddingCacheEntry)) (skipped int, err error)
}
