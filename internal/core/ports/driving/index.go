package driving

import (
	"context"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// IndexService manages the vector index lifecycle of a namespace.
type IndexService interface {
	// BuildIndex rebuilds the namespace index from the chunk store.
	BuildIndex(ctx context.Context, ns domain.Namespace) (domain.BuildResult, error)

	// Status reports index size, dimension and last update.
	Status(ctx context.Context, ns domain.Namespace) (domain.IndexStatus, error)

	// Ingest stores new chunks and adds them to the live index.
	Ingest(ctx context.Context, ns domain.Namespace, chunks []domain.Chunk) (domain.UpsertResult, error)

	// RemoveSource deletes a source and rebuilds. Once it returns, no search
	// can see the removed chunks.
	RemoveSource(ctx context.Context, ns domain.Namespace, sourceID string) (domain.BuildResult, error)
}
