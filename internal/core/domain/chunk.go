package domain

import "time"

// ChunkStatus is the moderation state of a chunk.
type ChunkStatus string

// Chunk statuses. An empty status is treated as approved.
const (
	ChunkStatusApproved ChunkStatus = "approved"
	ChunkStatusPending  ChunkStatus = "pending"
	ChunkStatusRejected ChunkStatus = "rejected"
)

// Chunk is a contiguous span of a source document.
// Chunks are immutable once written; updates arrive as new chunks.
type Chunk struct {
	// ID is the stable chunk identifier.
	ID string `json:"id"`

	// SourceID identifies the document the chunk was cut from.
	SourceID string `json:"sourceId"`

	// Text is the chunk content.
	Text string `json:"text"`

	// StartOffset and EndOffset locate the chunk in the normalised source.
	StartOffset int `json:"start"`
	EndOffset   int `json:"end"`

	// Title is the source document title.
	Title string `json:"title,omitempty"`

	// Headings are the section headings above the chunk.
	Headings []string `json:"headings,omitempty"`

	// Status is the moderation state.
	Status ChunkStatus `json:"status,omitempty"`

	// CreatedAt is when the chunk was produced.
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Retrievable reports whether the chunk may appear in search results.
func (c Chunk) Retrievable() bool {
	return c.Status == "" || c.Status == ChunkStatusApproved
}

// Validate checks the fields every stored chunk must carry.
func (c Chunk) Validate() error {
	if c.ID == "" || c.SourceID == "" {
		return ErrInvalidInput
	}
	if c.StartOffset < 0 || c.EndOffset < c.StartOffset {
		return ErrInvalidInput
	}
	return nil
}
