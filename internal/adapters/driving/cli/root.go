// Package cli implements the kbsearch command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/config/file"
	"github.com/custodia-labs/kbsearch/internal/app"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driving"
	"github.com/custodia-labs/kbsearch/internal/core/services"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	verbose    bool
	tenant     string
	project    string
	configPath string
	ephemeral  bool
)

// watchService blocks forwarding change events to the rebuild scheduler.
type watchService interface {
	Watch(ctx context.Context, ns domain.Namespace) error
}

// Services used by commands. They are built on first use from settings,
// or injected by tests.
var (
	settingsService  *services.SettingsService
	retrievalService driving.RetrievalService
	indexService     driving.IndexService
	configService    driving.ConfigService
	watcher          watchService
	application      *app.App
)

// newApp builds the application; tests replace it.
var newApp = app.New

var rootCmd = &cobra.Command{
	Use:   "kbsearch",
	Short: "Hybrid search over a local knowledge base",
	Long: `kbsearch indexes text chunks per tenant and project and answers queries
by fusing keyword and vector similarity, then diversifying the results.

Indexes rebuild in the background when chunks change.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("kbsearch version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&tenant, "tenant", domain.DefaultTenant, "tenant of the namespace")
	flags.StringVar(&project, "project", domain.DefaultProject, "project of the namespace")
	flags.StringVar(&configPath, "config", "", "config file (default ~/.kbsearch/config.toml)")
	flags.BoolVar(&ephemeral, "ephemeral", false, "keep all data in memory for this run")
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// setup configures logging and loads settings before any command runs.
func setup(_ *cobra.Command, _ []string) error {
	logger.SetVerbose(verbose)

	if err := file.LoadEnv(); err != nil {
		logger.Warn("Loading .env: %v", err)
	}

	if settingsService != nil {
		return nil
	}

	var (
		store *file.ConfigStore
		err   error
	)
	if configPath != "" {
		store, err = file.NewConfigStoreAt(configPath)
	} else {
		store, err = file.NewConfigStore("")
	}
	if err != nil {
		return fmt.Errorf("opening config: %w", err)
	}
	settingsService = services.NewSettingsService(store)
	return nil
}

// teardown releases the application built by requireServices, if any.
func teardown(_ *cobra.Command, _ []string) error {
	if application == nil {
		return nil
	}
	err := application.Close()
	application = nil
	retrievalService, indexService, configService, watcher = nil, nil, nil, nil
	return err
}

// requireServices builds the application unless services were injected.
func requireServices(ctx context.Context) error {
	if retrievalService != nil && indexService != nil {
		return nil
	}
	if settingsService == nil {
		return errors.New("settings service not configured")
	}

	settings, err := settingsService.Get()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, app.Options{Settings: settings, Ephemeral: ephemeral})
	if err != nil {
		return fmt.Errorf("initialising: %w", err)
	}
	for _, w := range a.Warnings {
		logger.Warn("%s", w)
	}

	application = a
	retrievalService = a.Retrieval
	indexService = a.Retrieval
	configService = a.Retrieval
	watcher = a.Retrieval
	return nil
}

// startBackground starts the scheduler and feeds of a built application.
func startBackground(ctx context.Context, ns domain.Namespace) error {
	if application == nil {
		return nil
	}
	return application.Start(ctx, ns)
}

// currentNamespace returns the namespace selected by --tenant and --project.
func currentNamespace() (domain.Namespace, error) {
	ns := domain.NewNamespace(tenant, project)
	if err := ns.Validate(); err != nil {
		return domain.Namespace{}, err
	}
	return ns, nil
}
