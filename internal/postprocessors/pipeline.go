// Package postprocessors turns normalised documents into stored chunks.
package postprocessors

import (
	"context"
	"fmt"
	"strings"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Pipeline runs its stages over one document. The first stage receives nil
// chunks; the chunks it returns are checked before they reach the store.
type Pipeline struct {
	stages []driven.PostProcessor
}

// NewPipeline creates a pipeline running stages in order.
func NewPipeline(stages ...driven.PostProcessor) *Pipeline {
	return &Pipeline{stages: stages}
}

// Stages returns the stage names in run order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Process chunks doc. Chunks without a source inherit the document's,
// blank chunks are dropped, and an invalid or repeated chunk ID fails the
// document with domain.ErrInvalidInput.
func (p *Pipeline) Process(ctx context.Context, doc *domain.Document) ([]domain.Chunk, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", domain.ErrInvalidInput)
	}

	var chunks []domain.Chunk
	for _, stage := range p.stages {
		var err error
		chunks, err = stage.Process(ctx, doc, chunks)
		if err != nil {
			return nil, fmt.Errorf("processor %s: %w", stage.Name(), err)
		}
	}

	if len(chunks) == 0 {
		return nil, nil
	}
	out := make([]domain.Chunk, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		if c.SourceID == "" {
			c.SourceID = doc.SourceID
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("chunk %q of %s: %w", c.ID, doc.SourceID, err)
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("%w: chunk %q repeated in %s", domain.ErrInvalidInput, c.ID, doc.SourceID)
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	if dropped := len(chunks) - len(out); dropped > 0 {
		logger.Debug("%s: dropped %d blank chunks", doc.SourceID, dropped)
	}
	return out, nil
}
