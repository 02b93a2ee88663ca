package driving

import (
	"context"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// RetrievalService answers queries against a namespace.
type RetrievalService interface {
	// Search runs hybrid retrieval and returns ranked, diversified candidates.
	// An empty query or an empty corpus yields an empty slice, not an error.
	Search(ctx context.Context, ns domain.Namespace, query string, opts domain.SearchOptions) ([]domain.SearchCandidate, error)

	// Retrieve runs Search and assembles a bounded context with citations.
	Retrieve(ctx context.Context, ns domain.Namespace, query string, opts domain.SearchOptions) (*domain.RetrievalContext, error)
}

// ConfigService exposes the process-wide fusion defaults.
type ConfigService interface {
	// Config returns the current defaults.
	Config() domain.HybridConfig

	// UpdateConfig replaces the defaults for subsequent queries.
	UpdateConfig(cfg domain.HybridConfig) error
}
