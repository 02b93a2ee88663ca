package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

func vecNorm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestContentHash_NormalisesWhitespace(t *testing.T) {
	assert.Equal(t, ContentHash("a b"), ContentHash("  a \n b\t"))
	assert.NotEqual(t, ContentHash("a b"), ContentHash("ab"))
	assert.Len(t, ContentHash("x"), 40)
}

func TestEmbeddingCache_OrderAndDeduplication(t *testing.T) {
	ctx := context.Background()
	ns := domain.DefaultNamespace()
	provider := newFakeEmbedder(4)
	provider.set("alpha", 1, 0, 0, 0)
	provider.set("beta", 0, 1, 0, 0)
	cache := NewEmbeddingCache(provider, newMemoryLog(), EmbeddingCacheConfig{})

	vecs, err := cache.Embed(ctx, ns, []string{"alpha", "beta", "alpha"})

	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{1, 0, 0, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1, 0, 0}, vecs[1])
	assert.Equal(t, vecs[0], vecs[2])
	assert.Equal(t, []string{"alpha", "beta"}, provider.textsSent())
}

func TestEmbeddingCache_SecondCallIsServedFromCache(t *testing.T) {
	ctx := context.Background()
	ns := domain.DefaultNamespace()
	provider := newFakeEmbedder(8)
	cache := NewEmbeddingCache(provider, nil, EmbeddingCacheConfig{})

	first, err := cache.Embed(ctx, ns, []string{"one text", "two text"})
	require.NoError(t, err)
	second, err := cache.Embed(ctx, ns, []string{"two text", "one   text"})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.callCount())
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[1])
	assert.Equal(t, 2, cache.Len(ns))
}

func TestEmbeddingCache_Batching(t *testing.T) {
	ctx := context.Background()
	provider := newFakeEmbedder(8)
	cache := NewEmbeddingCache(provider, nil, EmbeddingCacheConfig{BatchSize: 2})

	_, err := cache.Embed(ctx, domain.DefaultNamespace(), []string{"t1", "t2", "t3", "t4", "t5"})

	require.NoError(t, err)
	assert.Equal(t, 3, provider.callCount())
}

func TestEmbeddingCache_NormalisesVectors(t *testing.T) {
	ctx := context.Background()
	provider := newFakeEmbedder(2)
	provider.set("v", 3, 4)
	cache := NewEmbeddingCache(provider, nil, EmbeddingCacheConfig{})

	vec, err := cache.EmbedQuery(ctx, domain.DefaultNamespace(), "v")

	require.NoError(t, err)
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
	assert.InDelta(t, 1.0, vecNorm(vec), 1e-6)
}

func TestEmbeddingCache_ProviderErrorPropagates(t *testing.T) {
	ctx := context.Background()
	ns := domain.DefaultNamespace()
	provider := newFakeEmbedder(4)
	cause := errors.New("connection refused")
	provider.fail(cause)
	log := newMemoryLog()
	cache := NewEmbeddingCache(provider, log, EmbeddingCacheConfig{})

	_, err := cache.Embed(ctx, ns, []string{"x"})

	require.Error(t, err)
	var pe *domain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, cache.Len(ns))
	assert.Zero(t, log.count(ns))
}

func TestEmbeddingCache_Timeout(t *testing.T) {
	provider := newFakeEmbedder(4)
	provider.block = true
	cache := NewEmbeddingCache(provider, nil, EmbeddingCacheConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := cache.Embed(context.Background(), domain.DefaultNamespace(), []string{"slow"})

	require.Error(t, err)
	assert.True(t, domain.IsProviderError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEmbeddingCache_PersistsAndReplays(t *testing.T) {
	ctx := context.Background()
	ns := domain.NewNamespace("acme", "docs")
	log := newMemoryLog()

	provider := newFakeEmbedder(8)
	cache := NewEmbeddingCache(provider, log, EmbeddingCacheConfig{})
	want, err := cache.Embed(ctx, ns, []string{"persist me", "and me"})
	require.NoError(t, err)
	assert.Equal(t, 2, log.count(ns))

	// A fresh process replays the log and never calls the provider.
	provider2 := newFakeEmbedder(8)
	cache2 := NewEmbeddingCache(provider2, log, EmbeddingCacheConfig{})
	got, err := cache2.Embed(ctx, ns, []string{"persist me", "and me"})

	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Zero(t, provider2.callCount())
}

func TestEmbeddingCache_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	provider := newFakeEmbedder(8)
	cache := NewEmbeddingCache(provider, nil, EmbeddingCacheConfig{})

	_, err := cache.Embed(ctx, domain.NewNamespace("a", "p"), []string{"shared"})
	require.NoError(t, err)
	_, err = cache.Embed(ctx, domain.NewNamespace("b", "p"), []string{"shared"})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.callCount())
}

func TestEmbeddingCache_SkipsCorruptEntriesOnLoad(t *testing.T) {
	ctx := context.Background()
	ns := domain.DefaultNamespace()
	log := newMemoryLog()
	log.corrupt = 3
	log.entries[ns.Key()] = []domain.EmbeddingCacheEntry{{Hash: ContentHash("known"), Vector: []float32{1, 0}}}
	provider := newFakeEmbedder(2)
	cache := NewEmbeddingCache(provider, log, EmbeddingCacheConfig{})

	vec, err := cache.EmbedQuery(ctx, ns, "known")

	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Zero(t, provider.callCount())
}

func TestEmbeddingCache_LogFailureDoesNotFailEmbed(t *testing.T) {
	log := newMemoryLog()
	log.appendErr = errors.New("disk full")
	cache := NewEmbeddingCache(newFakeEmbedder(4), log, EmbeddingCacheConfig{})

	vecs, err := cache.Embed(context.Background(), domain.DefaultNamespace(), []string{"x"})

	require.NoError(t, err)
	assert.Len(t, vecs, 1)
}

func TestEmbeddingCache_NoProvider(t *testing.T) {
	cache := NewEmbeddingCache(nil, nil, EmbeddingCacheConfig{})

	_, err := cache.Embed(context.Background(), domain.DefaultNamespace(), []string{"x"})

	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.Zero(t, cache.Dimensions())
}

func TestEmbeddingCache_EmptyInput(t *testing.T) {
	provider := newFakeEmbedder(4)
	cache := NewEmbeddingCache(provider, nil, EmbeddingCacheConfig{})

	vecs, err := cache.Embed(context.Background(), domain.DefaultNamespace(), nil)

	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, provider.callCount())
}

func TestModelKey(t *testing.T) {
	assert.Equal(t, "fake@8", ModelKey(newFakeEmbedder(8)))
	assert.Equal(t, "fake", ModelKey(newFakeEmbedder(0)))
	assert.Empty(t, ModelKey(nil))

	cache := NewEmbeddingCache(newFakeEmbedder(4), nil, EmbeddingCacheConfig{})
	assert.Equal(t, "fake@4", cache.Model())
	assert.Empty(t, NewEmbeddingCache(nil, nil, EmbeddingCacheConfig{}).Model())
}
