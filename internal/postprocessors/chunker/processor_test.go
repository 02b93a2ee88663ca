package chunker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(opts ...Option) *Processor {
	p := New(opts...)
	p.now = func() time.Time { return fixedNow }
	return p
}

func texts(chunks []domain.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	p := New()
	assert.Equal(t, DefaultChunkSize, p.chunkSize)
	assert.Equal(t, DefaultChunkOverlap, p.overlap)
	assert.Equal(t, "chunker", p.Name())
}

func TestNew_Options(t *testing.T) {
	p := New(WithChunkSize(0), WithOverlap(-1))
	assert.Equal(t, DefaultChunkSize, p.chunkSize)
	assert.Equal(t, DefaultChunkOverlap, p.overlap)

	p = New(WithChunkSize(100), WithOverlap(100))
	assert.Equal(t, 100, p.chunkSize)
	assert.Equal(t, 25, p.overlap)
}

func TestProcess_NilDocument(t *testing.T) {
	_, err := New().Process(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestProcess_EmptyContent(t *testing.T) {
	for _, content := range []string{"", "   ", "\r\n\t\n"} {
		chunks, err := New().Process(context.Background(), &domain.Document{Content: content}, nil)
		require.NoError(t, err)
		assert.Empty(t, chunks, "content %q", content)
	}
}

func TestProcess_SingleChunk(t *testing.T) {
	doc := &domain.Document{SourceID: "guide.md", Title: "Guide", Content: "  short text  "}

	chunks, err := newTestProcessor().Process(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Len(t, c.ID, 32)
	assert.NotContains(t, c.ID, "-")
	assert.Equal(t, "guide.md", c.SourceID)
	assert.Equal(t, "Guide", c.Title)
	assert.Equal(t, "short text", c.Text)
	assert.Equal(t, 0, c.StartOffset)
	assert.Equal(t, 10, c.EndOffset)
	assert.Equal(t, domain.ChunkStatusApproved, c.Status)
	assert.Equal(t, fixedNow, c.CreatedAt)
	assert.Nil(t, c.Headings)
}

func TestProcess_UniqueIDs(t *testing.T) {
	doc := &domain.Document{Content: strings.Repeat("word ", 100)}
	chunks, err := New(WithChunkSize(50), WithOverlap(10)).Process(context.Background(), doc, nil)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, c := range chunks {
		assert.False(t, seen[c.ID], "duplicate id %s", c.ID)
		seen[c.ID] = true
	}
}

func TestProcess_Overlap(t *testing.T) {
	doc := &domain.Document{Content: "0123456789abcdefghij"}

	chunks, err := New(WithChunkSize(10), WithOverlap(4)).Process(context.Background(), doc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"0123456789", "6789abcdef", "cdefghij"}, texts(chunks))
	assert.Equal(t, 6, chunks[1].StartOffset)
	assert.Equal(t, 12, chunks[2].StartOffset)
	assert.Equal(t, 20, chunks[2].EndOffset)
}

func TestProcess_CutsAtLineBreak(t *testing.T) {
	doc := &domain.Document{Content: strings.Repeat("a", 14) + "\n" + strings.Repeat("b", 20)}

	chunks, err := New(WithChunkSize(20), WithOverlap(0)).Process(context.Background(), doc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{strings.Repeat("a", 14), strings.Repeat("b", 19), "b"}, texts(chunks))
	assert.Equal(t, 14, chunks[0].EndOffset)
}

func TestProcess_IgnoresEarlyLineBreak(t *testing.T) {
	doc := &domain.Document{Content: "ab\n" + strings.Repeat("c", 30)}

	chunks, err := New(WithChunkSize(20), WithOverlap(0)).Process(context.Background(), doc, nil)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 20, chunks[0].EndOffset)
}

func TestProcess_NormalisesWhitespace(t *testing.T) {
	doc := &domain.Document{Content: "a\r\n\n\n\nb \t  c"}

	chunks, err := New().Process(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "a\n\nb c", chunks[0].Text)
}

func TestProcess_RuneOffsets(t *testing.T) {
	doc := &domain.Document{Content: "héllo wörld ñandú"}

	chunks, err := New(WithChunkSize(6), WithOverlap(0)).Process(context.Background(), doc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"héllo", "wörld", "ñandú"}, texts(chunks))
	assert.Equal(t, 6, chunks[1].StartOffset)
	assert.Equal(t, 12, chunks[1].EndOffset)
}

func TestProcess_HeadingTrail(t *testing.T) {
	content := "Intro\nbody one\n\n\n\nSetup\nbody two"
	doc := &domain.Document{
		Content: content,
		Headings: []domain.Heading{
			{Level: 1, Text: "Intro", Offset: 0},
			{Level: 2, Text: "Setup", Offset: strings.Index(content, "Setup")},
		},
	}

	chunks, err := New(WithChunkSize(16), WithOverlap(0)).Process(context.Background(), doc, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Intro\nbody one", chunks[0].Text)
	assert.Equal(t, []string{"Intro"}, chunks[0].Headings)
	assert.Equal(t, "Setup\nbody two", chunks[1].Text)
	assert.Equal(t, []string{"Intro", "Setup"}, chunks[1].Headings)
}

func TestProcess_IgnoresInputChunks(t *testing.T) {
	doc := &domain.Document{Content: "fresh"}
	chunks, err := New().Process(context.Background(), doc, []domain.Chunk{{ID: "old", Text: "stale"}})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "fresh", chunks[0].Text)
}

func TestNormalizeText_Positions(t *testing.T) {
	out, pos := normalizeText("  a  b")
	assert.Equal(t, "a b", string(out))
	assert.Equal(t, []int{0, 0, 0, 1, 2, 2}, pos)
}
