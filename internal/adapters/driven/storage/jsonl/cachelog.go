package jsonl

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Ensure EmbeddingLog implements the interface.
var _ driven.EmbeddingLog = (*EmbeddingLog)(nil)

// cacheRecord is one cache.jsonl line. V is base64 of little-endian float32s.
type cacheRecord struct {
	T string `json:"t"`
	V string `json:"v"`
}

// EmbeddingLog appends cache entries to the cache file of its model.
type EmbeddingLog struct {
	layout Layout
	file   string
	mu     sync.Mutex
}

// LogOption configures an EmbeddingLog.
type LogOption func(*EmbeddingLog)

// WithModel keeps the entries of model in their own file, so vectors of
// another model are never replayed.
func WithModel(model string) LogOption {
	return func(l *EmbeddingLog) {
		l.file = CacheFileFor(model)
	}
}

// NewEmbeddingLog creates a log rooted at root.
func NewEmbeddingLog(root string, opts ...LogOption) *EmbeddingLog {
	l := &EmbeddingLog{layout: Layout{Root: root}, file: CacheFile}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// File returns the cache file name inside a namespace directory.
func (l *EmbeddingLog) File() string {
	return l.file
}

// Append writes one line per entry and syncs.
func (l *EmbeddingLog) Append(_ context.Context, ns domain.Namespace, entries []domain.EmbeddingCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	path, err := l.layout.Path(ns, l.file)
	if err != nil {
		return err
	}
	lines := make([][]byte, 0, len(entries))
	for _, e := range entries {
		line, err := json.Marshal(cacheRecord{T: e.Hash, V: EncodeVector(e.Vector)})
		if err != nil {
			return fmt.Errorf("encoding cache entry: %w", err)
		}
		lines = append(lines, line)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return appendLines(path, lines)
}

// Replay streams entries in file order, skipping malformed lines.
func (l *EmbeddingLog) Replay(ctx context.Context, ns domain.Namespace, fn func(domain.EmbeddingCacheEntry)) (int, error) {
	path, err := l.layout.Path(ns, l.file)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	skipped := 0
	err = scanLines(path, func(n int, line []byte) {
		var rec cacheRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.T == "" {
			skipped++
			logger.Debug("%s line %d: skipping malformed record", l.file, n)
			return
		}
		vec, err := DecodeVector(rec.V)
		if err != nil {
			skipped++
			logger.Debug("%s line %d: %v", l.file, n, err)
			return
		}
		fn(domain.EmbeddingCacheEntry{Hash: rec.T, Vector: vec})
	})
	if skipped > 0 {
		logger.Warn("%s %s: skipped %d corrupt records", l.file, ns, skipped)
	}
	return skipped, err
}

// EncodeVector encodes v as base64 of little-endian float32s.
func EncodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeVector reverses EncodeVector.
func DecodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: vector encoding: %w", domain.ErrCorruptRecord, err)
	}
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: vector length %d bytes", domain.ErrCorruptRecord, len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
