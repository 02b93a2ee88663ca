package mcp

import (
	"context"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// mockRetrievalService is a mock implementation of driving.RetrievalService.
type mockRetrievalService struct {
	results []domain.SearchCandidate
	context *domain.RetrievalContext
	err     error

	lastNS   domain.Namespace
	lastOpts domain.SearchOptions
}

func (m *mockRetrievalService) Search(
	_ context.Context,
	ns domain.Namespace,
	_ string,
	opts domain.SearchOptions,
) ([]domain.SearchCandidate, error) {
	m.lastNS, m.lastOpts = ns, opts
	return m.results, m.err
}

func (m *mockRetrievalService) Retrieve(
	_ context.Context,
	ns domain.Namespace,
	_ string,
	opts domain.SearchOptions,
) (*domain.RetrievalContext, error) {
	m.lastNS, m.lastOpts = ns, opts
	return m.context, m.err
}

// mockIndexService is a mock implementation of driving.IndexService.
type mockIndexService struct {
	status domain.IndexStatus
	err    error
	lastNS domain.Namespace
}

func (m *mockIndexService) BuildIndex(_ context.Context, _ domain.Namespace) (domain.BuildResult, error) {
	return domain.BuildResult{}, m.err
}

func (m *mockIndexService) Status(_ context.Context, ns domain.Namespace) (domain.IndexStatus, error) {
	m.lastNS = ns
	return m.status, m.err
}

func (m *mockIndexService) Ingest(_ context.Context, _ domain.Namespace, _ []domain.Chunk) (domain.UpsertResult, error) {
	return domain.UpsertResult{}, m.err
}

func (m *mockIndexService) RemoveSource(_ context.Context, _ domain.Namespace, _ string) (domain.BuildResult, error) {
	return domain.BuildResult{}, m.err
}
