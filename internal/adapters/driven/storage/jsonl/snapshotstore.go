package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// prevSuffix marks the blob kept while a new snapshot is written.
const prevSuffix = ".prev"

// Ensure SnapshotStore implements the interface.
var _ driven.SnapshotStore = (*SnapshotStore)(nil)

// SnapshotStore persists index.bin and meta.json.
type SnapshotStore struct {
	layout Layout
}

// NewSnapshotStore creates a snapshot store rooted at root.
func NewSnapshotStore(root string) *SnapshotStore {
	return &SnapshotStore{layout: Layout{Root: root}}
}

// Save replaces the snapshot of ns. The current blob is kept as
// index.bin.prev until the new metadata is committed, so a crash at any
// step leaves a metadata file whose checksum matches one of the two blobs.
func (s *SnapshotStore) Save(ctx context.Context, ns domain.Namespace, meta domain.IndexMeta, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blobPath, err := s.layout.Path(ns, IndexFile)
	if err != nil {
		return err
	}
	metaPath, err := s.layout.Path(ns, MetaFile)
	if err != nil {
		return err
	}
	if meta.ChunkIDs == nil {
		meta.ChunkIDs = []string{}
	}
	if meta.Checksum == "" {
		meta.Checksum = domain.BlobChecksum(blob)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index metadata: %w", err)
	}

	prevPath := blobPath + prevSuffix
	if err := os.Rename(blobPath, prevPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("keeping previous index blob: %w", err)
	}
	if blob != nil {
		if err := writeFileAtomic(blobPath, blob); err != nil {
			return fmt.Errorf("writing index blob: %w", err)
		}
	}
	if err := writeFileAtomic(metaPath, data); err != nil {
		return fmt.Errorf("writing index metadata: %w", err)
	}
	if err := os.Remove(prevPath); err != nil && !os.IsNotExist(err) {
		logger.Warn("snapshot %s: removing previous blob: %v", ns, err)
	}
	return nil
}

// Load reads the metadata and blob of ns. When index.bin does not match
// the metadata checksum, the previous blob is tried.
func (s *SnapshotStore) Load(_ context.Context, ns domain.Namespace) (domain.IndexMeta, []byte, error) {
	blobPath, err := s.layout.Path(ns, IndexFile)
	if err != nil {
		return domain.IndexMeta{}, nil, err
	}
	metaPath, err := s.layout.Path(ns, MetaFile)
	if err != nil {
		return domain.IndexMeta{}, nil, err
	}

	data, err := os.ReadFile(metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return domain.IndexMeta{}, nil, domain.ErrNotFound
	}
	if err != nil {
		return domain.IndexMeta{}, nil, fmt.Errorf("reading index metadata: %w", err)
	}
	var meta domain.IndexMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.IndexMeta{}, nil, fmt.Errorf("%w: %s: %w", domain.ErrCorruptRecord, MetaFile, err)
	}
	if meta.Size == 0 {
		return meta, nil, nil
	}

	for _, path := range []string{blobPath, blobPath + prevSuffix} {
		blob, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return meta, nil, fmt.Errorf("reading index blob: %w", err)
		}
		if meta.Matches(blob) {
			return meta, blob, nil
		}
		logger.Debug("snapshot %s: %s does not match %s", ns, filepath.Base(path), MetaFile)
	}
	return meta, nil, fmt.Errorf("%w: no %s matches %s", domain.ErrCorruptRecord, IndexFile, MetaFile)
}
