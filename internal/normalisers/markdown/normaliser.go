// Package markdown provides a Normaliser for Markdown documents. It strips
// formatting and records heading positions so chunks can carry the
// section they belong to.
package markdown

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/normalisers"
)

// Ensure Normaliser implements the interface.
var _ driven.Normaliser = (*Normaliser)(nil)

// Pre-compiled regular expressions for markdown stripping.
var (
	codeBlock    = regexp.MustCompile("(?s)```.*?```")
	inlineCode   = regexp.MustCompile("`([^`]+)`")
	images       = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	links        = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	heading      = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)
	blockquote   = regexp.MustCompile(`^>\s*`)
	hr           = regexp.MustCompile(`^[-*_]{3,}\s*$`)
	listMarker   = regexp.MustCompile(`^\s*[-*+]\s+`)
	numberedList = regexp.MustCompile(`^\s*\d+\.\s+`)
)

// Normaliser handles Markdown documents.
type Normaliser struct{}

// New creates a new Markdown normaliser.
func New() *Normaliser {
	return &Normaliser{}
}

// SupportedMIMETypes returns the MIME types this normaliser handles.
func (n *Normaliser) SupportedMIMETypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

// Priority returns the selection priority.
func (n *Normaliser) Priority() int {
	return 50 // Generic MIME normaliser, higher than plaintext
}

// Normalise converts a markdown document to plain text with heading marks.
// Chunking is handled by the PostProcessor pipeline.
func (n *Normaliser) Normalise(_ context.Context, raw *domain.RawDocument) (*domain.Document, error) {
	if raw == nil {
		return nil, domain.ErrInvalidInput
	}

	content, headings := stripMarkdown(string(raw.Content))

	title := ""
	for _, h := range headings {
		if h.Level == 1 {
			title = h.Text
			break
		}
	}
	if title == "" {
		title = normalisers.TitleFromURI(raw.URI)
	}

	return &domain.Document{
		SourceID: raw.SourceID,
		URI:      raw.URI,
		Title:    title,
		Content:  content,
		Headings: headings,
		Metadata: map[string]any{"mime_type": raw.MIMEType, "format": "markdown"},
	}, nil
}

// stripMarkdown removes common markdown formatting line by line, keeping
// at most one blank line in a row, and returns the heading positions in
// the stripped text.
func stripMarkdown(content string) (string, []domain.Heading) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = codeBlock.ReplaceAllString(content, "")

	var b strings.Builder
	var headings []domain.Heading
	offset := 0
	blank := true

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, " \t")
		if m := heading.FindStringSubmatch(line); m != nil {
			text := stripInline(m[2])
			headings = append(headings, domain.Heading{Level: len(m[1]), Text: text, Offset: offset})
			line = text
		} else {
			if hr.MatchString(line) {
				line = ""
			}
			line = blockquote.ReplaceAllString(line, "")
			line = listMarker.ReplaceAllString(line, "")
			line = numberedList.ReplaceAllString(line, "")
			line = stripInline(line)
		}

		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			line = ""
		} else {
			blank = false
		}
		b.WriteString(line)
		b.WriteByte('\n')
		offset += utf8.RuneCountInString(line) + 1
	}

	out := strings.TrimRight(b.String(), "\n")
	return out, headings
}

// stripInline removes inline code, image, link and emphasis markup.
func stripInline(s string) string {
	s = images.ReplaceAllString(s, "")
	s = links.ReplaceAllString(s, "$1")
	s = inlineCode.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.ReplaceAll(s, "*", "")
	return strings.TrimSpace(s)
}
