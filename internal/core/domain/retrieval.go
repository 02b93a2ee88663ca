package domain

import "time"

// Citation points from a numbered context block back to its chunk.
type Citation struct {
	Key      int    `json:"key"`
	ChunkID  string `json:"chunkId"`
	SourceID string `json:"sourceId"`
	Title    string `json:"title,omitempty"`
	Snippet  string `json:"snippet"`
}

// RetrievalContext is the assembled answer context for a query.
type RetrievalContext struct {
	Query      string            `json:"query"`
	Context    string            `json:"context"`
	Citations  []Citation        `json:"citations"`
	Candidates []SearchCandidate `json:"candidates"`
}

// RetryPolicy describes an explicit caller retry around retrieval.
// Retrieval never retries on its own.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64

	// BaseDelay seeds the Fibonacci backoff.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
}
