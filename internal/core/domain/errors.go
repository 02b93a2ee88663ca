package domain

import (
	"errors"
	"fmt"
)

// Domain errors represent retrieval failures.
// These are distinct from infrastructure errors.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmbeddingUnavailable indicates the embedding service is not configured.
	// Vector search is disabled without embeddings.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrIndexUnavailable indicates a namespace has no vector index yet.
	// Vector search over such a namespace yields zero results.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrCorruptRecord indicates a persisted record could not be decoded.
	// Readers skip such records and keep going.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrRebuildInProgress indicates a rebuild was already running for the namespace.
	ErrRebuildInProgress = errors.New("rebuild in progress")

	// ErrDimensionMismatch indicates a vector does not match the index dimension.
	ErrDimensionMismatch = fmt.Errorf("%w: vector dimension mismatch", ErrInvalidInput)
)

// ProviderError wraps a failure reported by the embedding provider,
// including timeouts. It unwraps to the provider's own error.
type ProviderError struct {
	// Op names the provider call that failed.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *ProviderError) Error() string {
	if e.Op == "" {
		return "embedding provider: " + e.Err.Error()
	}
	return "embedding provider " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsProviderError reports whether err carries a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
