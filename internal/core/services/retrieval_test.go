package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

type retrievalFixture struct {
	*indexFixture
	service *RetrievalService
}

func newRetrievalFixture(t *testing.T, settings domain.RetrievalSettings) *retrievalFixture {
	t.Helper()
	f := newIndexFixture(t)
	f.provider = newFakeEmbedder(5)
	topUpVectors(f.provider)
	f.cache = NewEmbeddingCache(f.provider, nil, EmbeddingCacheConfig{})
	f.manager = NewIndexManager(f.store, f.cache, f.factory, f.snapshots)
	return &retrievalFixture{
		indexFixture: f,
		service:      NewRetrievalService(f.store, f.cache, f.manager, settings),
	}
}

// flakyQueryEmbedder fails the first failures query embeddings.
type flakyQueryEmbedder struct {
	inner    QueryEmbedder
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *flakyQueryEmbedder) EmbedQuery(ctx context.Context, ns domain.Namespace, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	fail := e.calls <= e.failures
	e.mu.Unlock()
	if fail {
		return nil, &domain.ProviderError{Op: "embed", Err: errors.New("503 service unavailable")}
	}
	return e.inner.EmbedQuery(ctx, ns, text)
}

func (e *flakyQueryEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestRetrievalService_TopUpScenario(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)

	got, err := f.service.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{})
	require.NoError(t, err)

	require.Equal(t, []string{"doc-1", "doc-2"}, candidateIDs(got))
	assert.InDelta(t, 0.75, got[0].Score, 1e-6)
	assert.InDelta(t, 0.4895, got[1].Score, 0.005)
	for _, c := range got {
		assert.Equal(t, domain.OriginHybrid, c.Origin)
		assert.Contains(t, c.Metadata, domain.MetaVectorScore)
		assert.Contains(t, c.Metadata, domain.MetaKeywordScore)
	}
}

func TestRetrievalService_TopUpScenarioLowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)

	got, err := f.service.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{MinSimilarity: domain.Float(0.4)})
	require.NoError(t, err)
	// doc-3 and doc-5 pass the similarity cut but fuse below the default min score.
	require.Equal(t, []string{"doc-1", "doc-2"}, candidateIDs(got))

	got, err = f.service.Search(ctx, f.ns, topUpQuery,
		domain.SearchOptions{MinSimilarity: domain.Float(0.4), MinScore: domain.Float(0.1)})
	require.NoError(t, err)
	require.Equal(t, []string{"doc-1", "doc-2", "doc-3", "doc-5"}, candidateIDs(got))
	assert.InDelta(t, 0.285, got[2].Score, 1e-4)
	assert.InDelta(t, 0.285, got[3].Score, 1e-4)
	assert.NotContains(t, candidateIDs(got), "doc-4")
}

func TestRetrievalService_EmptyQuery(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)

	got, err := f.service.Search(context.Background(), f.ns, "   ", domain.SearchOptions{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, f.provider.callCount())
}

func TestRetrievalService_EmptyCorpus(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})

	got, err := f.service.Search(context.Background(), f.ns, "anything at all", domain.SearchOptions{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, f.provider.callCount(), "no index means no provider call")
}

func TestRetrievalService_InvalidNamespace(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})

	_, err := f.service.Search(context.Background(), domain.Namespace{Tenant: "..", Project: "x"}, "query", domain.SearchOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRetrievalService_InvalidOptions(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})

	_, err := f.service.Search(context.Background(), f.ns, "query", domain.SearchOptions{MinScore: domain.Float(2)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRetrievalService_ProviderFailureFallsBackToKeywords(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	_, err := f.service.BuildIndex(ctx, f.ns)
	require.NoError(t, err)

	f.provider.fail(errors.New("connection refused"))
	got, err := f.service.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{})

	require.NoError(t, err)
	require.Equal(t, []string{"doc-1"}, candidateIDs(got))
	assert.NotContains(t, got[0].Metadata, domain.MetaVectorScore)
}

func TestRetrievalService_ProviderDownBeforeFirstBuild(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	f.provider.fail(errors.New("connection refused"))

	got, err := f.service.Search(context.Background(), f.ns, topUpQuery, domain.SearchOptions{})

	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, candidateIDs(got))
	assert.False(t, f.manager.HasIndex(f.ns))
}

func TestRetrievalService_StalledProviderDoesNotDelayLaterSearches(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	f.provider.mu.Lock()
	f.provider.block = true
	f.provider.mu.Unlock()
	cache := NewEmbeddingCache(f.provider, nil, EmbeddingCacheConfig{Timeout: 100 * time.Millisecond})
	manager := NewIndexManager(f.store, cache, f.factory, f.snapshots)
	svc := NewRetrievalService(f.store, cache, manager, domain.RetrievalSettings{})

	got, err := svc.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, candidateIDs(got))
	calls := f.provider.callCount()

	start := time.Now()
	got, err = svc.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, candidateIDs(got))
	assert.Equal(t, calls, f.provider.callCount())
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestRetrievalService_KeywordFailureFallsBackToVectors(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	_, err := f.service.BuildIndex(ctx, f.ns)
	require.NoError(t, err)
	require.NoError(t, f.manager.Open(ctx, f.ns))

	f.store.mu.Lock()
	f.store.listErr = errors.New("disk gone")
	f.store.mu.Unlock()

	got, err := f.service.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1", "doc-2"}, candidateIDs(got))
	assert.NotContains(t, got[1].Metadata, domain.MetaKeywordScore)
}

func TestRetrievalService_AllLegsFail(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.store.listErr = errors.New("disk gone")

	_, err := f.service.Search(context.Background(), f.ns, topUpQuery, domain.SearchOptions{})
	assert.Error(t, err)
}

func TestRetrievalService_KeywordOnlyWithoutEmbedder(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	svc := NewRetrievalService(f.store, nil, f.manager, domain.RetrievalSettings{})

	got, err := svc.Search(context.Background(), f.ns, topUpQuery, domain.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, candidateIDs(got))
	assert.Zero(t, f.provider.callCount())
}

func TestRetrievalService_TopKDiversifies(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)

	got, err := f.service.Search(context.Background(), f.ns, topUpQuery,
		domain.SearchOptions{TopK: 2, MinSimilarity: domain.Float(0.4), MinScore: domain.Float(0.1)})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "doc-1", got[0].ID)
}

func TestRetrievalService_Retrieve(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	corpus := topUpCorpus()
	f.add(t, corpus...)

	rc, err := f.service.Retrieve(ctx, f.ns, topUpQuery,
		domain.SearchOptions{MinSimilarity: domain.Float(0.4), MinScore: domain.Float(0.1)})
	require.NoError(t, err)

	assert.Equal(t, topUpQuery, rc.Query)
	require.Len(t, rc.Citations, 4)
	for i, c := range rc.Citations {
		assert.Equal(t, i+1, c.Key)
		assert.Equal(t, rc.Candidates[i].ID, c.ChunkID)
		assert.Equal(t, "src-"+c.ChunkID, c.SourceID)
	}
	assert.Equal(t, "Как пополнить баланс", rc.Citations[0].Title)
	assert.True(t, strings.HasPrefix(rc.Context, corpus[0].Text))
	assert.Contains(t, rc.Context, corpus[1].Text+"\n\n"+corpus[2].Text)
	assert.False(t, strings.HasSuffix(rc.Context, "\n"))
}

func TestRetrievalService_RetrieveBudgetAndSourceCap(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{MaxContextChars: 250, PerSourceLimit: 2})
	body := strings.Repeat("refund ", 17) + "x" // 120 runes
	f.add(t,
		domain.Chunk{ID: "a1", SourceID: "a", Text: body + "1", EndOffset: 121},
		domain.Chunk{ID: "a2", SourceID: "a", Text: body + "2", EndOffset: 121},
		domain.Chunk{ID: "a3", SourceID: "a", Text: body + "3", EndOffset: 121},
		domain.Chunk{ID: "b1", SourceID: "b", Text: body + "4", EndOffset: 121},
	)
	svc := NewRetrievalService(f.store, nil, f.manager, domain.RetrievalSettings{MaxContextChars: 250, PerSourceLimit: 2})

	rc, err := svc.Retrieve(ctx, f.ns, "refund", domain.SearchOptions{MinScore: domain.Float(0)})
	require.NoError(t, err)

	require.Len(t, rc.Citations, 2)
	assert.Equal(t, "a1", rc.Citations[0].ChunkID)
	assert.Equal(t, "a2", rc.Citations[1].ChunkID)
	assert.LessOrEqual(t, len([]rune(rc.Context)), 250)

	svc = NewRetrievalService(f.store, nil, f.manager, domain.RetrievalSettings{MaxContextChars: 1000, PerSourceLimit: 2})
	rc, err = svc.Retrieve(ctx, f.ns, "refund", domain.SearchOptions{MinScore: domain.Float(0)})
	require.NoError(t, err)
	var ids []string
	for _, c := range rc.Citations {
		ids = append(ids, c.ChunkID)
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, ids)
}

func TestRetrievalService_RetrieveSnippet(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	long := strings.Repeat("ж", 150) + " refund " + strings.Repeat("ж", 150)
	f.add(t, domain.Chunk{ID: "c1", SourceID: "s", Text: long, EndOffset: len([]rune(long))})
	svc := NewRetrievalService(f.store, nil, f.manager, domain.RetrievalSettings{})

	rc, err := svc.Retrieve(context.Background(), f.ns, "refund", domain.SearchOptions{MinScore: domain.Float(0)})
	require.NoError(t, err)

	require.Len(t, rc.Citations, 1)
	assert.Len(t, []rune(rc.Citations[0].Snippet), 200)
}

func TestFormatCitations(t *testing.T) {
	cits := []domain.Citation{
		{Key: 1, SourceID: "s1", Title: "Refunds"},
		{Key: 2, SourceID: "s2"},
	}

	assert.Equal(t, []string{"[1]", "[2]"}, FormatCitations(cits, CitationBrackets))
	assert.Equal(t, []string{"(Source: Refunds)", "(Source: s2)"}, FormatCitations(cits, CitationInline))
}

func TestRetrievalService_SearchWithRetryRecovers(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	flaky := &flakyQueryEmbedder{inner: f.cache, failures: 2}
	svc := NewRetrievalService(f.store, flaky, f.manager, domain.RetrievalSettings{})

	got, err := svc.SearchWithRetry(ctx, f.ns, topUpQuery, domain.SearchOptions{},
		domain.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1", "doc-2"}, candidateIDs(got))
	assert.Equal(t, 3, flaky.callCount())
}

func TestRetrievalService_SearchWithRetryExhausted(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	flaky := &flakyQueryEmbedder{inner: f.cache, failures: 100}
	svc := NewRetrievalService(f.store, flaky, f.manager, domain.RetrievalSettings{})

	got, err := svc.SearchWithRetry(ctx, f.ns, topUpQuery, domain.SearchOptions{},
		domain.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, candidateIDs(got), "keyword-only result after retries")
	assert.Equal(t, 3, flaky.callCount())
}

func TestRetrievalService_SearchWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.store.listErr = errors.New("disk gone")

	_, err := f.service.SearchWithRetry(context.Background(), f.ns, topUpQuery, domain.SearchOptions{},
		domain.RetryPolicy{MaxRetries: 5, BaseDelay: time.Millisecond})

	require.Error(t, err)
	assert.False(t, domain.IsProviderError(err))
}

func TestRetrievalService_Config(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	assert.Equal(t, domain.DefaultHybridConfig(), f.service.Config())

	bad := domain.DefaultHybridConfig()
	bad.MaxResults = 0
	assert.ErrorIs(t, f.service.UpdateConfig(bad), domain.ErrInvalidInput)

	cfg := domain.DefaultHybridConfig()
	cfg.MinScore = 0.1
	cfg.SemanticThreshold = 0.4
	require.NoError(t, f.service.UpdateConfig(cfg))
	assert.Equal(t, cfg, f.service.Config())

	f.add(t, topUpCorpus()...)
	got, err := f.service.Search(context.Background(), f.ns, topUpQuery, domain.SearchOptions{})
	require.NoError(t, err)
	assert.Contains(t, candidateIDs(got), "doc-3")
}

func TestRetrievalService_IngestAndStatus(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})

	st, err := f.service.Status(ctx, f.ns)
	require.NoError(t, err)
	assert.Zero(t, st.Size)
	assert.Equal(t, "mock", st.Backend)

	res, err := f.service.Ingest(ctx, f.ns, topUpCorpus())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Added)
	assert.Equal(t, 5, res.Size)

	st, err = f.service.Status(ctx, f.ns)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Size)
	assert.Equal(t, 5, st.Dimension)
	assert.False(t, st.UpdatedAt.IsZero())

	got, err := f.service.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1", "doc-2"}, candidateIDs(got))
}

func TestRetrievalService_IngestRejectsInvalidChunk(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})

	_, err := f.service.Ingest(context.Background(), f.ns, []domain.Chunk{{ID: "x"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRetrievalService_StatusReadsSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	_, err := f.service.BuildIndex(ctx, f.ns)
	require.NoError(t, err)

	fresh := NewIndexManager(f.store, f.cache, f.factory, f.snapshots)
	svc := NewRetrievalService(f.store, f.cache, fresh, domain.RetrievalSettings{})
	calls := f.provider.callCount()

	st, err := svc.Status(ctx, f.ns)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Size)
	assert.Equal(t, calls, f.provider.callCount(), "status never rebuilds")
}

func TestRetrievalService_RemoveSource(t *testing.T) {
	ctx := context.Background()
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	f.add(t, topUpCorpus()...)
	_, err := f.service.BuildIndex(ctx, f.ns)
	require.NoError(t, err)

	res, err := f.service.RemoveSource(ctx, f.ns, "src-doc-1")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count)

	got, err := f.service.Search(ctx, f.ns, topUpQuery, domain.SearchOptions{})
	require.NoError(t, err)
	assert.NotContains(t, candidateIDs(got), "doc-1")
}

func TestRetrievalService_Watch(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})
	rb := newRecordingRebuilder()
	sched := NewRebuildScheduler(rb, 20*time.Millisecond)
	sched.Start(context.Background())
	defer sched.Stop()
	f.service.SetScheduler(sched)
	f.service.AddNotifier(f.store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.service.Watch(ctx, f.ns) }()
	require.Eventually(t, func() bool { return f.store.subscribers(f.ns) == 1 }, time.Second, 5*time.Millisecond)

	f.add(t, chunk("n1", "s1", "new chunk"))
	f.add(t, chunk("n2", "s1", "another chunk"))

	require.Eventually(t, func() bool { return len(rb.times(f.ns)) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestRetrievalService_WatchRequiresScheduler(t *testing.T) {
	f := newRetrievalFixture(t, domain.RetrievalSettings{})

	err := f.service.Watch(context.Background(), f.ns)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
