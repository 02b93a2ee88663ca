package domain

// Origin records which retrieval leg produced a candidate.
type Origin string

// Candidate origins.
const (
	OriginVector  Origin = "vector"
	OriginKeyword Origin = "keyword"
	OriginHybrid  Origin = "hybrid"
)

// Metadata keys attached to candidates.
const (
	MetaVectorScore  = "vectorScore"
	MetaKeywordScore = "keywordScore"
	MetaChunkStart   = "chunkStart"
	MetaChunkEnd     = "chunkEnd"
	MetaHeadings     = "headings"
)

// SearchCandidate is a scored hit flowing through fusion and diversification.
type SearchCandidate struct {
	// ID is the chunk identifier.
	ID string `json:"id"`

	// SourceID identifies the document the chunk belongs to.
	SourceID string `json:"sourceId"`

	// Title is the source document title.
	Title string `json:"title"`

	// Content is the chunk text.
	Content string `json:"content"`

	// Score is the relevance in [0, 1].
	Score float64 `json:"score"`

	// Origin is the leg that produced the score.
	Origin Origin `json:"type"`

	// Metadata carries per-leg scores and chunk position.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CandidateFromChunk builds an unscored candidate from a chunk.
func CandidateFromChunk(c Chunk, score float64, origin Origin) SearchCandidate {
	meta := map[string]any{
		MetaChunkStart: c.StartOffset,
		MetaChunkEnd:   c.EndOffset,
	}
	if len(c.Headings) > 0 {
		meta[MetaHeadings] = c.Headings
	}
	return SearchCandidate{
		ID:       c.ID,
		SourceID: c.SourceID,
		Title:    c.Title,
		Content:  c.Text,
		Score:    score,
		Origin:   origin,
		Metadata: meta,
	}
}

// HybridConfig holds the fusion weights and cut-offs.
type HybridConfig struct {
	// VectorWeight scales vector similarity.
	VectorWeight float64 `json:"vectorWeight"`

	// KeywordWeight scales the lexical score.
	KeywordWeight float64 `json:"keywordWeight"`

	// SemanticThreshold drops vector hits below this similarity.
	SemanticThreshold float64 `json:"semanticThreshold"`

	// MaxResults bounds the fused list.
	MaxResults int `json:"maxResults"`

	// MinScore drops fused candidates below this score.
	MinScore float64 `json:"minScore"`
}

// DefaultHybridConfig returns the stock fusion parameters.
func DefaultHybridConfig() HybridConfig {
	return HybridConfig{
		VectorWeight:      0.7,
		KeywordWeight:     0.3,
		SemanticThreshold: 0.6,
		MaxResults:        10,
		MinScore:          0.3,
	}
}

// Validate checks weights and bounds.
func (c HybridConfig) Validate() error {
	if c.VectorWeight < 0 || c.KeywordWeight < 0 || c.VectorWeight+c.KeywordWeight == 0 {
		return ErrInvalidInput
	}
	if c.SemanticThreshold < 0 || c.SemanticThreshold > 1 || c.MinScore < 0 || c.MinScore > 1 {
		return ErrInvalidInput
	}
	if c.MaxResults <= 0 {
		return ErrInvalidInput
	}
	return nil
}

// SearchOptions carries per-call overrides. Nil pointers keep the defaults.
type SearchOptions struct {
	// TopK is the final number of candidates after diversification.
	// Zero returns the fused list as is.
	TopK int

	// MinSimilarity overrides SemanticThreshold.
	MinSimilarity *float64

	// VectorWeight overrides HybridConfig.VectorWeight.
	VectorWeight *float64

	// KeywordWeight overrides HybridConfig.KeywordWeight.
	KeywordWeight *float64

	// MinScore overrides HybridConfig.MinScore.
	MinScore *float64

	// MaxResults overrides HybridConfig.MaxResults.
	MaxResults int

	// Lambda overrides the MMR trade-off.
	Lambda *float64
}

// Apply returns base with the non-nil overrides applied.
func (o SearchOptions) Apply(base HybridConfig) HybridConfig {
	cfg := base
	if o.MinSimilarity != nil {
		cfg.SemanticThreshold = *o.MinSimilarity
	}
	if o.VectorWeight != nil {
		cfg.VectorWeight = *o.VectorWeight
	}
	if o.KeywordWeight != nil {
		cfg.KeywordWeight = *o.KeywordWeight
	}
	if o.MinScore != nil {
		cfg.MinScore = *o.MinScore
	}
	if o.MaxResults > 0 {
		cfg.MaxResults = o.MaxResults
	}
	if o.TopK > cfg.MaxResults {
		cfg.MaxResults = o.TopK
	}
	return cfg
}

// Float returns a pointer to v, for building SearchOptions.
func Float(v float64) *float64 {
	return &v
}
