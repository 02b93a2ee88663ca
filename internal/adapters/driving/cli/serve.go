package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/kbsearch/internal/adapters/driving/api"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

var (
	serveAddr    string
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Starts the HTTP API on server.addr (or --addr) and, unless --no-watch is
given, keeps the namespace selected by --tenant and --project rebuilt as
its chunks change.

Routes:
  GET    /healthz
  GET    /v1/config
  PUT    /v1/config
  POST   /v1/{tenant}/{project}/index
  GET    /v1/{tenant}/{project}/status
  POST   /v1/{tenant}/{project}/search
  POST   /v1/{tenant}/{project}/retrieve
  POST   /v1/{tenant}/{project}/chunks
  DELETE /v1/{tenant}/{project}/sources/{sourceID}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from server.addr)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not watch for chunk changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}

	config := api.DefaultServerConfig()
	if settingsService != nil {
		if settings, err := settingsService.Get(); err == nil && settings.Server.Addr != "" {
			config.Addr = settings.Server.Addr
		}
	}
	if serveAddr != "" {
		config.Addr = serveAddr
	}

	if err := startBackground(ctx, ns); err != nil {
		return err
	}

	server := api.NewServer(config, api.Ports{
		Retrieval: retrievalService,
		Index:     indexService,
		Config:    configService,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if watcher != nil && !serveNoWatch {
		g.Go(func() error {
			if err := watcher.Watch(gctx, ns); err != nil {
				logger.Warn("Watching %s stopped: %v", ns, err)
			}
			return nil
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "HTTP API listening on %s\n", config.Addr)
	return g.Wait()
}
