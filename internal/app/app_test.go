package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

const keysText = "Rotate the signing keys every ninety days"

func testChunks() []domain.Chunk {
	return []domain.Chunk{
		{ID: "c-1", SourceID: "security.md", Title: "Security", Text: keysText},
		{ID: "c-2", SourceID: "billing.md", Title: "Billing", Text: "Invoices are issued on the first day of each month"},
		{ID: "c-3", SourceID: "billing.md", Title: "Billing", Text: "Refunds take up to five business days"},
	}
}

func testSettings(t *testing.T, dataDir string) domain.Settings {
	t.Helper()
	s := domain.DefaultSettings()
	s.Embedding.Dimensions = 128
	s.Index.Backend = domain.IndexBackendFlat
	s.Storage.DataDir = dataDir
	return s
}

func TestNew_EphemeralIngestAndSearch(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Options{Settings: testSettings(t, ""), Ephemeral: true})
	require.NoError(t, err)
	defer a.Close()

	ns := domain.DefaultNamespace()
	res, err := a.Retrieval.Ingest(ctx, ns, testChunks())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Size)

	results, err := a.Retrieval.Search(ctx, ns, keysText, domain.SearchOptions{TopK: 2})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c-1", results[0].ID)
	assert.Equal(t, domain.OriginHybrid, results[0].Origin)
}

func TestNew_InvalidSettings(t *testing.T) {
	s := testSettings(t, t.TempDir())
	s.Index.Backend = "annoy"

	_, err := New(context.Background(), Options{Settings: s})

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNew_PersistentBackends(t *testing.T) {
	for _, backend := range []domain.ChunkBackend{domain.ChunkBackendJSONL, domain.ChunkBackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := testSettings(t, dir)
			s.Storage.Chunks = backend
			ns := domain.NewNamespace("acme", "docs")

			a, err := New(ctx, Options{Settings: s})
			require.NoError(t, err)
			_, err = a.Retrieval.Ingest(ctx, ns, testChunks())
			require.NoError(t, err)
			require.NoError(t, a.Close())

			assert.FileExists(t, filepath.Join(dir, "acme", "docs", "rag", "meta.json"))

			reopened, err := New(ctx, Options{Settings: s})
			require.NoError(t, err)
			defer reopened.Close()

			status, err := reopened.Retrieval.Status(ctx, ns)
			require.NoError(t, err)
			assert.Equal(t, 3, status.Size)
			assert.Equal(t, 128, status.Dimension)
		})
	}
}

func TestApp_RemoveSourceHidesContent(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Options{Settings: testSettings(t, ""), Ephemeral: true})
	require.NoError(t, err)
	defer a.Close()

	ns := domain.DefaultNamespace()
	_, err = a.Retrieval.Ingest(ctx, ns, testChunks())
	require.NoError(t, err)

	res, err := a.Retrieval.RemoveSource(ctx, ns, "security.md")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	results, err := a.Retrieval.Search(ctx, ns, keysText, domain.SearchOptions{})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "c-1", r.ID)
	}
}

func TestApp_StartRebuildsOnStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	s := testSettings(t, dir)
	ns := domain.DefaultNamespace()

	seed, err := New(ctx, Options{Settings: s})
	require.NoError(t, err)
	require.NoError(t, seed.Chunks.Append(ctx, ns, testChunks()))
	require.NoError(t, seed.Close())

	s.Index.RebuildOnStart = true
	a, err := New(ctx, Options{Settings: s})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Start(ctx, ns))

	assert.True(t, a.Index.HasIndex(ns))
	assert.Equal(t, 3, a.Index.Status(ns).Size)
}

func TestApp_WatchSchedulesRebuild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testSettings(t, "")
	s.Index.RebuildDebounce = 20 * time.Millisecond
	a, err := New(ctx, Options{Settings: s, Ephemeral: true})
	require.NoError(t, err)
	defer a.Close()

	ns := domain.DefaultNamespace()
	require.NoError(t, a.Start(ctx, ns))

	done := make(chan error, 1)
	go func() { done <- a.Retrieval.Watch(ctx, ns) }()

	require.Eventually(t, func() bool {
		return a.Chunks.(interface {
			Subscribers(domain.Namespace) int
		}).Subscribers(ns) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Chunks.Append(ctx, ns, testChunks()))

	assert.Eventually(t, func() bool {
		return a.Index.Status(ns).Size == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNew_DefaultDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	s := testSettings(t, "")
	a, err := New(context.Background(), Options{Settings: s})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, filepath.Join(home, ".kbsearch", "data"), a.Settings.Storage.DataDir)
}

func TestNew_CacheLogScopedToModel(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ns := domain.NewNamespace("acme", "docs")

	a, err := New(ctx, Options{Settings: testSettings(t, dir)})
	require.NoError(t, err)
	_, err = a.Retrieval.Ingest(ctx, ns, testChunks())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	nsDir := filepath.Join(dir, "acme", "docs", "rag")
	assert.NoFileExists(t, filepath.Join(nsDir, "cache.jsonl"))
	matches, err := filepath.Glob(filepath.Join(nsDir, "cache.*@128.jsonl"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
