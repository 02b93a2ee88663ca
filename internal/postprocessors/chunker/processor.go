// Package chunker provides a fixed-size text chunking processor that
// prefers to cut at line breaks.
package chunker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1200

// DefaultChunkOverlap is the default number of overlapping characters.
const DefaultChunkOverlap = 200

// Processor splits document content into fixed-size chunks.
// It implements the PostProcessor interface.
type Processor struct {
	chunkSize int
	overlap   int
	now       func() time.Time
}

// Option configures the chunker processor.
type Option func(*Processor)

// WithChunkSize sets the chunk size in characters.
func WithChunkSize(size int) Option {
	return func(p *Processor) {
		if size > 0 {
			p.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between chunks in characters.
func WithOverlap(overlap int) Option {
	return func(p *Processor) {
		if overlap >= 0 {
			p.overlap = overlap
		}
	}
}

// New creates a new chunker processor with the given options.
func New(opts ...Option) *Processor {
	p := &Processor{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	// Ensure overlap doesn't exceed chunk size
	if p.overlap >= p.chunkSize {
		p.overlap = p.chunkSize / 4
	}

	return p
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return "chunker"
}

// Process splits the document content into chunks. Input chunks are
// ignored; this processor creates new chunks from document content.
//
// Whitespace is normalised first and offsets refer to the normalised text.
// A chunk that would end mid-text is cut at the last line break when that
// break lies in the second half of the window.
func (p *Processor) Process(_ context.Context, doc *domain.Document, _ []domain.Chunk) ([]domain.Chunk, error) {
	if doc == nil {
		return nil, domain.ErrInvalidInput
	}

	text, positions := normalizeText(doc.Content)
	if len(text) == 0 {
		// Empty content produces no chunks
		return nil, nil
	}

	// Heading offsets follow the text through normalisation.
	shifted := &domain.Document{Headings: make([]domain.Heading, len(doc.Headings))}
	for i, h := range doc.Headings {
		if h.Offset >= 0 && h.Offset < len(positions) {
			h.Offset = positions[h.Offset]
		}
		shifted.Headings[i] = h
	}

	total := len(text)
	createdAt := p.now().UTC()
	chunks := make([]domain.Chunk, 0, total/(p.chunkSize-p.overlap)+1)

	start := 0
	for start < total {
		end := start + p.chunkSize
		if end > total {
			end = total
		}
		if end < total {
			if nl := lastNewline(text, start, end); nl > start+p.chunkSize/2 {
				end = nl
			}
		}

		if content := strings.TrimSpace(string(text[start:end])); content != "" {
			first := start
			for isSpace(text[first]) {
				first++
			}
			chunks = append(chunks, domain.Chunk{
				ID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
				SourceID:    doc.SourceID,
				Text:        content,
				StartOffset: start,
				EndOffset:   end,
				Title:       doc.Title,
				Headings:    shifted.HeadingTrail(first),
				Status:      domain.ChunkStatusApproved,
				CreatedAt:   createdAt,
			})
		}

		if end >= total {
			break
		}
		next := end - p.overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks, nil
}

// lastNewline returns the index of the last '\n' in text[from:to], or -1.
func lastNewline(text []rune, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if text[i] == '\n' {
			return i
		}
	}
	return -1
}

// normalizeText drops carriage returns, collapses runs of spaces and tabs
// to one space and runs of blank lines to one, and trims the result. The
// returned slice maps each input rune index to its output index.
func normalizeText(s string) ([]rune, []int) {
	in := []rune(s)
	out := make([]rune, 0, len(in))
	positions := make([]int, len(in))

	for i := 0; i < len(in); i++ {
		positions[i] = len(out)
		switch r := in[i]; r {
		case '\r':
		case ' ', '\t':
			if n := len(out); n == 0 || out[n-1] != ' ' {
				out = append(out, ' ')
			}
		case '\n':
			newlines := 0
			for n := len(out); n > 0 && out[n-1] == '\n'; n-- {
				newlines++
			}
			if newlines < 2 {
				out = append(out, '\n')
			}
		default:
			out = append(out, r)
		}
	}

	// Trim, shifting positions by the leading cut.
	lead := 0
	for lead < len(out) && isSpace(out[lead]) {
		lead++
	}
	trail := len(out)
	for trail > lead && isSpace(out[trail-1]) {
		trail--
	}
	out = out[lead:trail]
	for i, pos := range positions {
		pos -= lead
		if pos < 0 {
			pos = 0
		}
		if pos > len(out) {
			pos = len(out)
		}
		positions[i] = pos
	}
	return out, positions
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n'
}
