package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// defaultTopK is used when a search call gives no top_k.
const defaultTopK = 6

// SearchInput is the input schema for the search tool.
type SearchInput struct {
	Query         string   `json:"query" jsonschema:"the search query"`
	Tenant        string   `json:"tenant,omitempty" jsonschema:"tenant of the knowledge base (default: server namespace)"`
	Project       string   `json:"project,omitempty" jsonschema:"project of the knowledge base (default: server namespace)"`
	TopK          int      `json:"top_k,omitempty" jsonschema:"maximum number of results to return (default 6)"`
	MinSimilarity *float64 `json:"min_similarity,omitempty" jsonschema:"minimum vector similarity in [0,1]"`
}

// SearchOutput is the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results"`
	Count   int                  `json:"count"`
}

// SearchResultOutput represents a single search result.
type SearchResultOutput struct {
	ChunkID      string  `json:"chunk_id"`
	SourceID     string  `json:"source_id"`
	Title        string  `json:"title,omitempty"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
	Content      string  `json:"content"`
}

// RetrieveOutput is the output schema for the retrieve tool.
type RetrieveOutput struct {
	Context   string            `json:"context"`
	Citations []domain.Citation `json:"citations"`
}

// StatusInput is the input schema for the index_status tool.
type StatusInput struct {
	Tenant  string `json:"tenant,omitempty" jsonschema:"tenant of the knowledge base"`
	Project string `json:"project,omitempty" jsonschema:"project of the knowledge base"`
}

// StatusOutput is the output schema for the index_status tool.
type StatusOutput struct {
	Namespace  string `json:"namespace"`
	Size       int    `json:"size"`
	Dimension  int    `json:"dimension"`
	Backend    string `json:"backend,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
	Rebuilding bool   `json:"rebuilding"`
}

// registerTools registers all tool handlers with the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid keyword and semantic search over a knowledge base",
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "retrieve",
		Description: "Assemble answer context with numbered citations for a query",
	}, s.handleRetrieve)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "index_status",
		Description: "Report vector index size, dimension and last update",
	}, s.handleStatus)
}

func (s *Server) searchArgs(input SearchInput) (domain.Namespace, domain.SearchOptions, error) {
	ns, err := s.ports.namespace(input.Tenant, input.Project)
	if err != nil {
		return ns, domain.SearchOptions{}, err
	}
	topK := input.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return ns, domain.SearchOptions{TopK: topK, MinSimilarity: input.MinSimilarity}, nil
}

// handleSearch handles the search tool invocation.
func (s *Server) handleSearch(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchInput,
) (*mcp.CallToolResult, SearchOutput, error) {
	ns, opts, err := s.searchArgs(input)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	results, err := s.ports.Retrieval.Search(ctx, ns, input.Query, opts)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	output := SearchOutput{
		Results: make([]SearchResultOutput, len(results)),
		Count:   len(results),
	}

	for i := range results {
		output.Results[i] = SearchResultOutput{
			ChunkID:      results[i].ID,
			SourceID:     results[i].SourceID,
			Title:        results[i].Title,
			Score:        results[i].Score,
			VectorScore:  metaScore(results[i].Metadata, domain.MetaVectorScore),
			KeywordScore: metaScore(results[i].Metadata, domain.MetaKeywordScore),
			Content:      results[i].Content,
		}
	}

	return nil, output, nil
}

// handleRetrieve handles the retrieve tool invocation.
func (s *Server) handleRetrieve(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input SearchInput,
) (*mcp.CallToolResult, RetrieveOutput, error) {
	ns, opts, err := s.searchArgs(input)
	if err != nil {
		return nil, RetrieveOutput{}, err
	}

	rc, err := s.ports.Retrieval.Retrieve(ctx, ns, input.Query, opts)
	if err != nil {
		return nil, RetrieveOutput{}, err
	}
	citations := rc.Citations
	if citations == nil {
		citations = []domain.Citation{}
	}
	return nil, RetrieveOutput{Context: rc.Context, Citations: citations}, nil
}

// handleStatus handles the index_status tool invocation.
func (s *Server) handleStatus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input StatusInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	ns, err := s.ports.namespace(input.Tenant, input.Project)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	status, err := s.ports.Index.Status(ctx, ns)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	out := StatusOutput{
		Namespace:  ns.Key(),
		Size:       status.Size,
		Dimension:  status.Dimension,
		Backend:    status.Backend,
		Rebuilding: status.Rebuilding,
	}
	if !status.UpdatedAt.IsZero() {
		out.UpdatedAt = status.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return nil, out, nil
}

func metaScore(meta map[string]any, key string) float64 {
	if v, ok := meta[key].(float64); ok {
		return v
	}
	return 0
}
