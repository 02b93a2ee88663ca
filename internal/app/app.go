// Package app wires adapters into the core services according to settings.
// The CLI, HTTP and MCP front ends share one App per process.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/ai"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/changefeed/fswatch"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/changefeed/natsfeed"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/jsonl"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/redis"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/sqlite"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/core/services"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Options controls how New builds the application.
type Options struct {
	Settings domain.Settings

	// Ephemeral keeps every store in memory.
	Ephemeral bool
}

// chunkSource is a chunk store that also reports its own mutations.
type chunkSource interface {
	driven.ChunkStore
	driven.ChangeNotifier
}

// App holds the wired services and the resources they own.
type App struct {
	Settings  domain.Settings
	Retrieval *services.RetrievalService
	Index     *services.IndexManager
	Cache     *services.EmbeddingCache
	Scheduler *services.RebuildScheduler
	Chunks    chunkSource

	// Warnings lists non-fatal setup problems, such as an unreachable
	// embedding provider.
	Warnings []string

	feed    *natsfeed.Feed
	closers []func() error
}

// New builds the application. The caller must Close it.
func New(ctx context.Context, opts Options) (a *App, err error) {
	settings := opts.Settings
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	a = &App{Settings: settings}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	initResult, err := ai.Init(ctx, settings)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		initResult.Close()
		return nil
	})
	a.Warnings = append(a.Warnings, initResult.Warnings...)

	var cacheLog driven.EmbeddingLog
	var snapshots driven.SnapshotStore
	if opts.Ephemeral {
		a.Chunks = memory.NewChunkStore()
		cacheLog = memory.NewEmbeddingLog()
		snapshots = memory.NewSnapshotStore()
		logger.Debug("Using in-memory stores")
	} else {
		cacheLog, snapshots, err = a.openStores(ctx, services.ModelKey(initResult.EmbeddingService))
		if err != nil {
			return nil, err
		}
	}

	a.Cache = services.NewEmbeddingCache(initResult.EmbeddingService, cacheLog, services.EmbeddingCacheConfig{
		BatchSize:         settings.Embedding.BatchSize,
		Timeout:           settings.Embedding.Timeout,
		RequestsPerSecond: settings.Embedding.RequestsPerSecond,
	})
	a.Index = services.NewIndexManager(a.Chunks, a.Cache, initResult.IndexFactory, snapshots)

	var embedder services.QueryEmbedder
	if !initResult.FellBack {
		embedder = a.Cache
	}
	a.Retrieval = services.NewRetrievalService(a.Chunks, embedder, a.Index, settings.Retrieval)
	a.Scheduler = services.NewRebuildScheduler(a.Index, settings.Index.RebuildDebounce)
	a.Retrieval.SetScheduler(a.Scheduler)
	a.Index.SetScheduler(a.Scheduler)
	a.Retrieval.AddNotifier(a.Chunks)

	if !opts.Ephemeral {
		if err := a.openFeeds(a.Settings); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openStores builds the persistent chunk store, cache log and snapshot
// store selected in settings. Cached vectors are kept per embedding model.
func (a *App) openStores(ctx context.Context, model string) (driven.EmbeddingLog, driven.SnapshotStore, error) {
	storage := a.Settings.Storage
	dataDir := storage.DataDir
	if dataDir == "" {
		root, err := jsonl.DefaultRoot()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving data directory: %w", err)
		}
		dataDir = root
		a.Settings.Storage.DataDir = root
	}

	var cacheLog driven.EmbeddingLog
	switch storage.Chunks {
	case domain.ChunkBackendSQLite:
		store, err := sqlite.NewStore(dataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening chunk database: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.Chunks = store.ChunkStore()
		cacheLog = store.EmbeddingLogFor(model)
	default:
		a.Chunks = jsonl.NewChunkStore(dataDir)
		cacheLog = jsonl.NewEmbeddingLog(dataDir, jsonl.WithModel(model))
	}

	if storage.Cache == domain.CacheBackendRedis {
		log, err := redis.Open(ctx, storage.RedisURL, redis.WithModel(model))
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, log.Close)
		cacheLog = log
	}

	logger.Debug("Data directory: %s (chunks=%s cache=%s model=%s)", dataDir, storage.Chunks, storage.Cache, model)
	return cacheLog, jsonl.NewSnapshotStore(dataDir), nil
}

// openFeeds connects the external change feeds.
func (a *App) openFeeds(settings domain.Settings) error {
	if settings.Events.WatchFiles && settings.Storage.Chunks == domain.ChunkBackendJSONL {
		w, err := fswatch.New(settings.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("starting file watcher: %w", err)
		}
		a.closers = append(a.closers, w.Close)
		a.Retrieval.AddNotifier(w)
	}

	if settings.Events.NATSURL != "" {
		feed, err := natsfeed.Connect(settings.Events.NATSURL, settings.Events.NATSSubjectPrefix)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, feed.Close)
		a.feed = feed
		a.Retrieval.AddNotifier(feed)
	}
	return nil
}

// Start begins background work for ns: the rebuild scheduler, publishing
// local changes to NATS, and the optional rebuild on start.
func (a *App) Start(ctx context.Context, ns domain.Namespace) error {
	a.Scheduler.Start(ctx)
	a.closers = append(a.closers, func() error {
		a.Scheduler.Stop()
		return nil
	})

	if a.feed != nil {
		cancel, err := a.feed.Forward(a.Chunks, ns)
		if err != nil {
			return fmt.Errorf("forwarding changes: %w", err)
		}
		a.closers = append(a.closers, func() error {
			cancel()
			return nil
		})
	}

	if a.Settings.Index.RebuildOnStart {
		res, err := a.Index.RebuildAll(ctx, ns)
		if err != nil {
			logger.Warn("Rebuild on start for %s failed: %v", ns, err)
		} else {
			logger.Info("Rebuilt %s on start: %d chunks", ns, res.Count)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
