package services

import (
	"context"
	"crypto/sha1" //nolint:gosec // content addressing, not security
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Embedding cache defaults.
const (
	DefaultEmbedBatchSize = 64
	DefaultEmbedTimeout   = 30 * time.Second
)

// ContentHash returns the cache key of a text: hex SHA-1 of the text with
// surrounding whitespace trimmed and internal runs collapsed.
func ContentHash(text string) string {
	sum := sha1.Sum([]byte(normalizeForHash(text))) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// EmbeddingCacheConfig tunes provider access.
type EmbeddingCacheConfig struct {
	// BatchSize bounds texts per provider call.
	BatchSize int

	// Timeout bounds a single provider call.
	Timeout time.Duration

	// RequestsPerSecond limits provider calls; zero is unlimited.
	RequestsPerSecond float64
}

// EmbeddingCache memoises provider embeddings by content hash, one map per
// namespace, backed by an append-only log.
type EmbeddingCache struct {
	provider driven.EmbeddingService
	log      driven.EmbeddingLog
	cfg      EmbeddingCacheConfig
	limiter  *rate.Limiter

	mu     sync.Mutex
	spaces map[string]*cacheSpace
}

type cacheSpace struct {
	loadMu sync.Mutex
	loaded bool

	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewEmbeddingCache creates a cache in front of provider. log may be nil,
// in which case entries live only in memory.
func NewEmbeddingCache(provider driven.EmbeddingService, log driven.EmbeddingLog, cfg EmbeddingCacheConfig) *EmbeddingCache {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultEmbedBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEmbedTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &EmbeddingCache{
		provider: provider,
		log:      log,
		cfg:      cfg,
		limiter:  limiter,
		spaces:   make(map[string]*cacheSpace),
	}
}

// ModelKey identifies the vectors p produces: its model name, plus the
// vector size when the provider fixes one. A nil provider has no key.
func ModelKey(p driven.EmbeddingService) string {
	if p == nil {
		return ""
	}
	if dim := p.Dimensions(); dim > 0 {
		return fmt.Sprintf("%s@%d", p.ModelName(), dim)
	}
	return p.ModelName()
}

// Model returns the ModelKey of the provider.
func (c *EmbeddingCache) Model() string {
	return ModelKey(c.provider)
}

// Dimensions returns the provider's vector size.
func (c *EmbeddingCache) Dimensions() int {
	if c.provider == nil {
		return 0
	}
	return c.provider.Dimensions()
}

// Len returns the number of cached entries for ns.
func (c *EmbeddingCache) Len(ns domain.Namespace) int {
	sp := c.lookup(ns)
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return len(sp.vectors)
}

func (c *EmbeddingCache) lookup(ns domain.Namespace) *cacheSpace {
	c.mu.Lock()
	defer c.mu.Unlock()
	sp, ok := c.spaces[ns.Key()]
	if !ok {
		sp = &cacheSpace{vectors: make(map[string][]float32)}
		c.spaces[ns.Key()] = sp
	}
	return sp
}

// Load replays the namespace log into memory. It runs once per namespace;
// later calls are no-ops. Unreadable logs leave the cache empty.
func (c *EmbeddingCache) Load(ctx context.Context, ns domain.Namespace) error {
	sp := c.lookup(ns)
	sp.loadMu.Lock()
	defer sp.loadMu.Unlock()
	if sp.loaded {
		return nil
	}
	if c.log != nil {
		loaded := 0
		skipped, err := c.log.Replay(ctx, ns, func(e domain.EmbeddingCacheEntry) {
			sp.mu.Lock()
			sp.vectors[e.Hash] = e.Vector
			sp.mu.Unlock()
			loaded++
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("embedding cache %s: replay failed, starting empty: %v", ns, err)
		}
		if skipped > 0 {
			logger.Warn("embedding cache %s: skipped %d malformed entries", ns, skipped)
		}
		logger.Debug("embedding cache %s: loaded %d entries", ns, loaded)
	}
	sp.loaded = true
	return nil
}

// EmbedQuery embeds a single text through the cache.
func (c *EmbeddingCache) EmbedQuery(ctx context.Context, ns domain.Namespace, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, ns, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one unit vector per text, in input order. Misses are sent to
// the provider in batches, de-duplicated by hash, and logged before Embed
// returns. A provider failure is returned as *domain.ProviderError and
// nothing from the failed batch is cached.
func (c *EmbeddingCache) Embed(ctx context.Context, ns domain.Namespace, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.provider == nil {
		return nil, domain.ErrEmbeddingUnavailable
	}
	if err := c.Load(ctx, ns); err != nil {
		return nil, err
	}
	sp := c.lookup(ns)

	hashes := make([]string, len(texts))
	missing := make([]string, 0)
	missText := make(map[string]string)

	sp.mu.RLock()
	for i, t := range texts {
		h := ContentHash(t)
		hashes[i] = h
		if _, ok := sp.vectors[h]; ok {
			continue
		}
		if _, queued := missText[h]; queued {
			continue
		}
		missText[h] = t
		missing = append(missing, h)
	}
	sp.mu.RUnlock()

	if len(missing) > 0 {
		logger.Debug("embedding cache %s: %d hits, %d misses", ns, len(texts)-len(missing), len(missing))
	}

	for start := 0; start < len(missing); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(missing))
		batch := missing[start:end]

		batchTexts := make([]string, len(batch))
		for i, h := range batch {
			batchTexts[i] = missText[h]
		}
		vecs, err := c.fetch(ctx, batchTexts)
		if err != nil {
			return nil, err
		}

		fresh := make([]domain.EmbeddingCacheEntry, 0, len(batch))
		sp.mu.Lock()
		for i, h := range batch {
			if _, ok := sp.vectors[h]; ok {
				continue
			}
			sp.vectors[h] = vecs[i]
			fresh = append(fresh, domain.EmbeddingCacheEntry{Hash: h, Vector: vecs[i]})
		}
		sp.mu.Unlock()

		if c.log != nil && len(fresh) > 0 {
			if err := c.log.Append(ctx, ns, fresh); err != nil {
				logger.Warn("embedding cache %s: persist %d entries: %v", ns, len(fresh), err)
			}
		}
	}

	out := make([][]float32, len(texts))
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	for i, h := range hashes {
		out[i] = sp.vectors[h]
	}
	return out, nil
}

// fetch calls the provider for one batch under the rate limit and timeout.
func (c *EmbeddingCache) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	vecs, err := c.provider.EmbedBatch(callCtx, texts)
	if err != nil {
		return nil, &domain.ProviderError{Op: "embed batch", Err: err}
	}
	if len(vecs) != len(texts) {
		return nil, &domain.ProviderError{
			Op:  "embed batch",
			Err: fmt.Errorf("returned %d vectors for %d texts", len(vecs), len(texts)),
		}
	}
	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return nil, &domain.ProviderError{
				Op:  "embed batch",
				Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim),
			}
		}
		vecs[i] = normalize(v)
	}
	return vecs, nil
}

// normalize returns v scaled to unit length. Zero vectors are returned as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
