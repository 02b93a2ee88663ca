package driven

import (
	"context"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

// SnapshotStore persists vector index snapshots.
// Every write replaces the previous file atomically.
type SnapshotStore interface {
	// Save writes the blob and then its metadata. A nil blob removes any
	// previous blob (empty index).
	Save(ctx context.Context, ns domain.Namespace, meta domain.IndexMeta, blob []byte) error

	// Load returns the metadata and blob. Returns domain.ErrNotFound when no
	// snapshot exists and domain.ErrCorruptRecord when metadata is unreadable.
	Load(ctx context.Context, ns domain.Namespace) (domain.IndexMeta, []byte, error)
}
