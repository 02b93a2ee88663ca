// Package redis stores the embedding cache log in Redis lists, so several
// kbsearch processes can share one cache.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/jsonl"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Ensure EmbeddingLog implements the interface.
var _ driven.EmbeddingLog = (*EmbeddingLog)(nil)

// DefaultKeyPrefix prefixes per-namespace list keys.
const DefaultKeyPrefix = "kbsearch:cache"

// replayPage is the number of list elements fetched per LRANGE.
const replayPage = 512

// listClient is the subset of the Redis API the log needs.
type listClient interface {
	RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
}

// record mirrors a cache.jsonl line so both backends share one format.
type record struct {
	T string `json:"t"`
	V string `json:"v"`
}

// EmbeddingLog appends cache entries to one Redis list per namespace.
type EmbeddingLog struct {
	client listClient
	prefix string
	model  string
	closer func() error
}

// Option configures an EmbeddingLog.
type Option func(*EmbeddingLog)

// WithModel appends model to every list key.
func WithModel(model string) Option {
	return func(l *EmbeddingLog) {
		l.model = model
	}
}

// Open connects to the Redis server at url (redis://host:port/db).
func Open(ctx context.Context, url string, opts ...Option) (*EmbeddingLog, error) {
	clientOpts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := goredis.NewClient(clientOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	log := NewEmbeddingLog(client, DefaultKeyPrefix, opts...)
	log.closer = client.Close
	return log, nil
}

// NewEmbeddingLog wraps an existing client.
func NewEmbeddingLog(client listClient, prefix string, opts ...Option) *EmbeddingLog {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	l := &EmbeddingLog{client: client, prefix: prefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the list key of ns, suffixed with the model when one is set.
func (l *EmbeddingLog) Key(ns domain.Namespace) string {
	key := l.prefix + ":" + ns.Tenant + ":" + ns.Project
	if l.model != "" {
		key += ":" + l.model
	}
	return key
}

// Append pushes one element per entry.
func (l *EmbeddingLog) Append(ctx context.Context, ns domain.Namespace, entries []domain.EmbeddingCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(record{T: e.Hash, V: jsonl.EncodeVector(e.Vector)})
		if err != nil {
			return fmt.Errorf("encoding cache entry: %w", err)
		}
		values = append(values, string(data))
	}
	if err := l.client.RPush(ctx, l.Key(ns), values...).Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", l.Key(ns), err)
	}
	return nil
}

// Replay pages through the list in push order.
func (l *EmbeddingLog) Replay(ctx context.Context, ns domain.Namespace, fn func(domain.EmbeddingCacheEntry)) (int, error) {
	key := l.Key(ns)
	skipped := 0
	for start := int64(0); ; start += replayPage {
		page, err := l.client.LRange(ctx, key, start, start+replayPage-1).Result()
		if err != nil {
			return skipped, fmt.Errorf("reading %s: %w", key, err)
		}
		for _, raw := range page {
			var rec record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.T == "" {
				skipped++
				continue
			}
			vec, err := jsonl.DecodeVector(rec.V)
			if err != nil {
				skipped++
				continue
			}
			fn(domain.EmbeddingCacheEntry{Hash: rec.T, Vector: vec})
		}
		if len(page) < replayPage {
			break
		}
	}
	if skipped > 0 {
		logger.Warn("redis %s: skipped %d corrupt records", key, skipped)
	}
	return skipped, nil
}

// Close releases the connection opened by Open.
func (l *EmbeddingLog) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer()
}
