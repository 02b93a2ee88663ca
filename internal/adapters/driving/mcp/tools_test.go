package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

func newTestServer(t *testing.T, retrieval *mockRetrievalService, index *mockIndexService) *Server {
	t.Helper()
	server, err := NewServer(&Ports{Retrieval: retrieval, Index: index})
	require.NoError(t, err)
	return server
}

func TestServer_handleSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("returns search results", func(t *testing.T) {
		retrieval := &mockRetrievalService{
			results: []domain.SearchCandidate{{
				ID:       "c-1",
				SourceID: "s-1",
				Title:    "Test Doc",
				Content:  "This is the content",
				Score:    0.95,
				Origin:   domain.OriginHybrid,
				Metadata: map[string]any{
					domain.MetaVectorScore:  0.9,
					domain.MetaKeywordScore: 0.6,
				},
			}},
		}
		server := newTestServer(t, retrieval, &mockIndexService{})

		_, output, err := server.handleSearch(ctx, nil, SearchInput{Query: "test", Tenant: "acme", Project: "docs"})

		require.NoError(t, err)
		assert.Equal(t, 1, output.Count)
		require.Len(t, output.Results, 1)
		assert.Equal(t, "c-1", output.Results[0].ChunkID)
		assert.Equal(t, "s-1", output.Results[0].SourceID)
		assert.Equal(t, 0.95, output.Results[0].Score)
		assert.Equal(t, 0.9, output.Results[0].VectorScore)
		assert.Equal(t, 0.6, output.Results[0].KeywordScore)
		assert.Equal(t, "This is the content", output.Results[0].Content)
		assert.Equal(t, domain.NewNamespace("acme", "docs"), retrieval.lastNS)
	})

	t.Run("default top_k", func(t *testing.T) {
		retrieval := &mockRetrievalService{}
		server := newTestServer(t, retrieval, &mockIndexService{})

		_, output, err := server.handleSearch(ctx, nil, SearchInput{Query: "test"})

		require.NoError(t, err)
		assert.Equal(t, 0, output.Count)
		assert.Equal(t, defaultTopK, retrieval.lastOpts.TopK)
		assert.Equal(t, domain.DefaultNamespace(), retrieval.lastNS)
	})

	t.Run("passes min similarity", func(t *testing.T) {
		retrieval := &mockRetrievalService{}
		server := newTestServer(t, retrieval, &mockIndexService{})

		_, _, err := server.handleSearch(ctx, nil, SearchInput{Query: "q", TopK: 3, MinSimilarity: domain.Float(0.4)})

		require.NoError(t, err)
		assert.Equal(t, 3, retrieval.lastOpts.TopK)
		require.NotNil(t, retrieval.lastOpts.MinSimilarity)
		assert.Equal(t, 0.4, *retrieval.lastOpts.MinSimilarity)
	})

	t.Run("returns error on search failure", func(t *testing.T) {
		server := newTestServer(t, &mockRetrievalService{err: errors.New("search failed")}, &mockIndexService{})

		_, _, err := server.handleSearch(ctx, nil, SearchInput{Query: "test"})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "search failed")
	})

	t.Run("rejects invalid namespace", func(t *testing.T) {
		server := newTestServer(t, &mockRetrievalService{}, &mockIndexService{})

		_, _, err := server.handleSearch(ctx, nil, SearchInput{Query: "test", Tenant: "a/b"})

		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestServer_handleRetrieve(t *testing.T) {
	ctx := context.Background()

	t.Run("returns context and citations", func(t *testing.T) {
		retrieval := &mockRetrievalService{context: &domain.RetrievalContext{
			Context:   "alpha\n\nbeta",
			Citations: []domain.Citation{{Key: 1, ChunkID: "c-1", SourceID: "s-1", Snippet: "alpha"}},
		}}
		server := newTestServer(t, retrieval, &mockIndexService{})

		_, output, err := server.handleRetrieve(ctx, nil, SearchInput{Query: "alpha"})

		require.NoError(t, err)
		assert.Equal(t, "alpha\n\nbeta", output.Context)
		require.Len(t, output.Citations, 1)
		assert.Equal(t, "c-1", output.Citations[0].ChunkID)
	})

	t.Run("empty citations are not null", func(t *testing.T) {
		retrieval := &mockRetrievalService{context: &domain.RetrievalContext{}}
		server := newTestServer(t, retrieval, &mockIndexService{})

		_, output, err := server.handleRetrieve(ctx, nil, SearchInput{Query: "x"})

		require.NoError(t, err)
		assert.NotNil(t, output.Citations)
	})
}

func TestServer_handleStatus(t *testing.T) {
	ctx := context.Background()
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	index := &mockIndexService{status: domain.IndexStatus{
		Size:      42,
		Dimension: 384,
		Backend:   "hnsw",
		UpdatedAt: updated,
	}}
	server := newTestServer(t, &mockRetrievalService{}, index)

	_, output, err := server.handleStatus(ctx, nil, StatusInput{Tenant: "acme"})

	require.NoError(t, err)
	assert.Equal(t, "acme:root", output.Namespace)
	assert.Equal(t, 42, output.Size)
	assert.Equal(t, 384, output.Dimension)
	assert.Equal(t, "hnsw", output.Backend)
	assert.Equal(t, "2026-03-01T12:00:00Z", output.UpdatedAt)
}

func TestParseStatusURI(t *testing.T) {
	tests := []struct {
		uri     string
		tenant  string
		project string
		ok      bool
	}{
		{"kbsearch://acme/docs/status", "acme", "docs", true},
		{"kbsearch://acme/status", "", "", false},
		{"kbsearch://acme/docs/other", "", "", false},
		{"other://acme/docs/status", "", "", false},
		{"kbsearch:///docs/status", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			tenant, project, ok := parseStatusURI(tt.uri)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.tenant, tenant)
			assert.Equal(t, tt.project, project)
		})
	}
}
