package postprocessors

import (
	"fmt"
	"math"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/postprocessors/chunker"
)

// RegisterDefaults registers the built-in stages.
func RegisterDefaults(r *Registry) {
	r.Register("chunker", buildChunker)
}

// buildChunker reads chunk_size and overlap, both in characters. Unknown
// keys and an explicit overlap that is not smaller than the chunk size are
// rejected with domain.ErrInvalidInput; the default overlap shrinks to a
// quarter of a small chunk size instead.
func buildChunker(cfg map[string]any) (driven.PostProcessor, error) {
	size, overlap := chunker.DefaultChunkSize, chunker.DefaultChunkOverlap
	overlapSet := false
	for key, val := range cfg {
		n, err := intSetting(key, val)
		if err != nil {
			return nil, err
		}
		switch key {
		case "chunk_size":
			size = n
		case "overlap":
			overlap, overlapSet = n, true
		default:
			return nil, fmt.Errorf("%w: chunker has no setting %q", domain.ErrInvalidInput, key)
		}
	}
	if !overlapSet && overlap >= size {
		overlap = size / 4
	}
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: chunker needs 0 <= overlap (%d) < chunk_size (%d)", domain.ErrInvalidInput, overlap, size)
	}
	return chunker.New(chunker.WithChunkSize(size), chunker.WithOverlap(overlap)), nil
}

// intSetting accepts the integer shapes flags, TOML and JSON decode to.
func intSetting(key string, val any) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == math.Trunc(v) {
			return int(v), nil
		}
	}
	return 0, fmt.Errorf("%w: %s must be a whole number, got %v", domain.ErrInvalidInput, key, val)
}
