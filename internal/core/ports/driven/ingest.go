package driven

import (
	"context"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// Normaliser converts raw file content into plain text.
type Normaliser interface {
	// SupportedMIMETypes returns the MIME types this normaliser handles.
	SupportedMIMETypes() []string

	// Priority orders normalisers that share a MIME type; higher wins.
	Priority() int

	// Normalise extracts the title, text and headings of raw.
	Normalise(ctx context.Context, raw *domain.RawDocument) (*domain.Document, error)
}

// PostProcessor transforms a document into chunks. Processors run in a
// pipeline; the first receives nil chunks.
type PostProcessor interface {
	// Name identifies the processor in configuration.
	Name() string

	// Process returns the chunks after this stage.
	Process(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) ([]domain.Chunk, error)
}
