package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// IndexMetaVersion is the current meta.json layout version.
const IndexMetaVersion = 1

// IndexMeta describes a persisted vector index snapshot.
// ChunkIDs[i] is the chunk stored at slot i; its length always equals Size.
type IndexMeta struct {
	Dimension int       `json:"dim"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
	Backend   string    `json:"backend,omitempty"`
	Version   int       `json:"version"`
	ChunkIDs  []string  `json:"ids"`

	// Model identifies the embedding model that produced the vectors.
	Model string `json:"model,omitempty"`

	// Checksum is the hex SHA-256 of the blob written with this metadata.
	Checksum string `json:"sha256,omitempty"`
}

// Consistent reports whether the slot table matches the declared size.
func (m IndexMeta) Consistent() bool {
	return m.Size >= 0 && len(m.ChunkIDs) == m.Size && (m.Size == 0 || m.Dimension > 0)
}

// BlobChecksum returns the hex SHA-256 of blob, empty for an empty blob.
func BlobChecksum(blob []byte) string {
	if len(blob) == 0 {
		return ""
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Matches reports whether blob is the one this metadata was written with.
// Metadata without a checksum accepts any blob.
func (m IndexMeta) Matches(blob []byte) bool {
	return m.Checksum == "" || m.Checksum == BlobChecksum(blob)
}

// IndexStatus is the externally visible state of a namespace index.
type IndexStatus struct {
	Namespace  Namespace `json:"namespace"`
	Size       int       `json:"size"`
	Dimension  int       `json:"dimension"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Backend    string    `json:"backend,omitempty"`
	Rebuilding bool      `json:"rebuilding"`
}

// BuildResult reports the outcome of a rebuild.
type BuildResult struct {
	// Count is the number of indexed chunks.
	Count int `json:"count"`

	// Dimension is the vector dimension, zero for an empty index.
	Dimension int `json:"dimension"`

	// Coalesced is set when the request joined a rebuild already in flight.
	Coalesced bool `json:"coalesced,omitempty"`
}

// UpsertResult reports an incremental index update.
type UpsertResult struct {
	// Added is the number of new points.
	Added int `json:"added"`

	// Skipped is the number of chunks already indexed.
	Skipped int `json:"skipped"`

	// Size is the index size after the update.
	Size int `json:"size"`
}

// EmbeddingCacheEntry maps a content hash to its normalised vector.
type EmbeddingCacheEntry struct {
	Hash   string
	Vector []float32
}

// ChangeKind classifies a knowledge-base mutation.
type ChangeKind string

// Change kinds.
const (
	ChangeAdded    ChangeKind = "added"
	ChangeUpdated  ChangeKind = "updated"
	ChangeApproved ChangeKind = "approved"
	ChangeRejected ChangeKind = "rejected"
	ChangeRemoved  ChangeKind = "removed"
)

// ChangeEvent announces that chunks in a namespace changed.
type ChangeEvent struct {
	Namespace Namespace  `json:"namespace"`
	Kind      ChangeKind `json:"kind"`
	SourceID  string     `json:"sourceId,omitempty"`
	ChunkIDs  []string   `json:"chunkIds,omitempty"`
	At        time.Time  `json:"at"`
}
