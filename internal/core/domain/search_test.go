package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultHybridConfig(t *testing.T) {
	cfg := DefaultHybridConfig()
	assert.InDelta(t, 0.7, cfg.VectorWeight, 1e-9)
	assert.InDelta(t, 0.3, cfg.KeywordWeight, 1e-9)
	assert.InDelta(t, 0.6, cfg.SemanticThreshold, 1e-9)
	assert.Equal(t, 10, cfg.MaxResults)
	assert.InDelta(t, 0.3, cfg.MinScore, 1e-9)
	assert.NoError(t, cfg.Validate())
}

func TestHybridConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HybridConfig)
	}{
		{"negative weight", func(c *HybridConfig) { c.VectorWeight = -1 }},
		{"zero weights", func(c *HybridConfig) { c.VectorWeight, c.KeywordWeight = 0, 0 }},
		{"threshold above one", func(c *HybridConfig) { c.SemanticThreshold = 1.5 }},
		{"min score below zero", func(c *HybridConfig) { c.MinScore = -0.1 }},
		{"no results", func(c *HybridConfig) { c.MaxResults = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultHybridConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidInput)
		})
	}
}

func TestSearchOptions_Apply(t *testing.T) {
	base := DefaultHybridConfig()

	assert.Equal(t, base, SearchOptions{}.Apply(base))

	cfg := SearchOptions{
		MinSimilarity: Float(0.2),
		VectorWeight:  Float(0.5),
		KeywordWeight: Float(0.5),
		MinScore:      Float(0),
		MaxResults:    4,
	}.Apply(base)
	assert.InDelta(t, 0.2, cfg.SemanticThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.VectorWeight, 1e-9)
	assert.InDelta(t, 0.5, cfg.KeywordWeight, 1e-9)
	assert.InDelta(t, 0.0, cfg.MinScore, 1e-9)
	assert.Equal(t, 4, cfg.MaxResults)

	// TopK never exceeds the fused pool.
	cfg = SearchOptions{TopK: 25}.Apply(base)
	assert.Equal(t, 25, cfg.MaxResults)
}

func TestCandidateFromChunk(t *testing.T) {
	c := Chunk{ID: "c1", SourceID: "s1", Text: "body", Title: "T", StartOffset: 3, EndOffset: 7, Headings: []string{"H"}}
	cand := CandidateFromChunk(c, 0.4, OriginKeyword)

	assert.Equal(t, "c1", cand.ID)
	assert.Equal(t, "s1", cand.SourceID)
	assert.Equal(t, "T", cand.Title)
	assert.Equal(t, "body", cand.Content)
	assert.Equal(t, OriginKeyword, cand.Origin)
	assert.Equal(t, 3, cand.Metadata[MetaChunkStart])
	assert.Equal(t, 7, cand.Metadata[MetaChunkEnd])
	assert.Equal(t, []string{"H"}, cand.Metadata[MetaHeadings])
}
