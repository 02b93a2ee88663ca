package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild the index when chunks change",
	Long: `Subscribes to every configured change feed (store notifications, the
chunk file watcher and NATS) and schedules a debounced rebuild of the
namespace index on each change. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	if watcher == nil {
		return errors.New("watch service not configured")
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}
	if err := startBackground(ctx, ns); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for changes. Press Ctrl+C to stop.\n", ns)
	return watcher.Watch(ctx, ns)
}
