package driven

import (
	"context"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// ChunkStore is the source of truth for chunks. Indexes are derived from it
// and can always be rebuilt from it.
type ChunkStore interface {
	// Append stores new chunks. Chunks whose ID already exists are ignored.
	Append(ctx context.Context, ns domain.Namespace, chunks []domain.Chunk) error

	// Chunks returns every retrievable chunk in insertion order.
	Chunks(ctx context.Context, ns domain.Namespace) ([]domain.Chunk, error)

	// Get retrieves a chunk by ID. Returns domain.ErrNotFound if absent.
	Get(ctx context.Context, ns domain.Namespace, id string) (*domain.Chunk, error)

	// RemoveSource deletes every chunk of a source and reports how many went.
	RemoveSource(ctx context.Context, ns domain.Namespace, sourceID string) (int, error)

	// Count returns the number of stored chunks, retrievable or not.
	Count(ctx context.Context, ns domain.Namespace) (int, error)
}
