package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/memory"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/services"
)

// fakeServices implements every service port the commands use.
type fakeServices struct {
	results   []domain.SearchCandidate
	retrieval *domain.RetrievalContext
	status    domain.IndexStatus
	build     domain.BuildResult
	upsert    domain.UpsertResult
	config    domain.HybridConfig
	err       error

	lastNS      domain.Namespace
	lastQuery   string
	lastOpts    domain.SearchOptions
	lastSource  string
	ingested    []domain.Chunk
	buildCalls  int
	watchCalled bool
}

func (f *fakeServices) Search(_ context.Context, ns domain.Namespace, query string, opts domain.SearchOptions) ([]domain.SearchCandidate, error) {
	f.lastNS, f.lastQuery, f.lastOpts = ns, query, opts
	return f.results, f.err
}

func (f *fakeServices) Retrieve(_ context.Context, ns domain.Namespace, query string, opts domain.SearchOptions) (*domain.RetrievalContext, error) {
	f.lastNS, f.lastQuery, f.lastOpts = ns, query, opts
	if f.err != nil {
		return nil, f.err
	}
	if f.retrieval == nil {
		return &domain.RetrievalContext{Query: query}, nil
	}
	return f.retrieval, nil
}

func (f *fakeServices) BuildIndex(_ context.Context, ns domain.Namespace) (domain.BuildResult, error) {
	f.lastNS = ns
	f.buildCalls++
	return f.build, f.err
}

func (f *fakeServices) Status(_ context.Context, ns domain.Namespace) (domain.IndexStatus, error) {
	f.lastNS = ns
	return f.status, f.err
}

func (f *fakeServices) Ingest(_ context.Context, ns domain.Namespace, chunks []domain.Chunk) (domain.UpsertResult, error) {
	f.lastNS = ns
	f.ingested = append(f.ingested, chunks...)
	return f.upsert, f.err
}

func (f *fakeServices) RemoveSource(_ context.Context, ns domain.Namespace, sourceID string) (domain.BuildResult, error) {
	f.lastNS, f.lastSource = ns, sourceID
	return f.build, f.err
}

func (f *fakeServices) Config() domain.HybridConfig { return f.config }

func (f *fakeServices) UpdateConfig(cfg domain.HybridConfig) error {
	f.config = cfg
	return f.err
}

func (f *fakeServices) Watch(_ context.Context, ns domain.Namespace) error {
	f.lastNS = ns
	f.watchCalled = true
	return f.err
}

func noEnv(string) (string, bool) { return "", false }

// setupTestServices injects fakes and an in-memory settings store, and
// returns the fake plus a cleanup function.
func setupTestServices() (*fakeServices, func()) {
	fake := &fakeServices{config: domain.DefaultHybridConfig()}
	settingsService = services.NewSettingsService(memory.NewConfigStore()).WithEnv(noEnv)
	retrievalService = fake
	indexService = fake
	configService = fake
	watcher = fake

	return fake, func() {
		settingsService = nil
		retrievalService = nil
		indexService = nil
		configService = nil
		watcher = nil
		application = nil
		newApp = defaultNewApp
	}
}

var defaultNewApp = newApp

// resetFlags restores every flag to its default so runs do not leak state.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

// executeContext runs the root command with every command bound to ctx.
func executeContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	setContext(rootCmd, ctx)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
	}()

	err := rootCmd.Execute()
	return buf.String(), err
}

func setContext(cmd *cobra.Command, ctx context.Context) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		setContext(c, ctx)
	}
}
