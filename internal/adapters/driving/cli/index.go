package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

var indexJSON bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the vector index",
	Long:  `Build, inspect and prune the per-namespace vector index.`,
}

var indexBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Rebuild the index from all stored chunks",
	Args:  cobra.NoArgs,
	RunE:  runIndexBuild,
}

var indexStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index size, dimension and last update",
	Args:  cobra.NoArgs,
	RunE:  runIndexStatus,
}

var indexRemoveSourceCmd = &cobra.Command{
	Use:   "remove-source [source-id]",
	Short: "Delete a source's chunks and rebuild",
	Args:  cobra.ExactArgs(1),
	RunE:  runIndexRemoveSource,
}

func init() {
	indexCmd.PersistentFlags().BoolVar(&indexJSON, "json", false, "output as JSON")
	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(indexStatusCmd)
	indexCmd.AddCommand(indexRemoveSourceCmd)
	rootCmd.AddCommand(indexCmd)
}

func runIndexBuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}

	res, err := indexService.BuildIndex(ctx, ns)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return printBuildResult(cmd, ns, res)
}

func runIndexRemoveSource(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}

	res, err := indexService.RemoveSource(ctx, ns, args[0])
	if err != nil {
		return fmt.Errorf("remove source failed: %w", err)
	}
	return printBuildResult(cmd, ns, res)
}

func printBuildResult(cmd *cobra.Command, ns domain.Namespace, res domain.BuildResult) error {
	if indexJSON {
		return printJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	if res.Coalesced {
		fmt.Fprintf(out, "%s\n", render(cmd, warnStyle, "A rebuild was already running; joined it."))
	}
	fmt.Fprintf(out, "%s %s: %d chunks, dimension %d\n",
		render(cmd, okStyle, "Indexed"), ns, res.Count, res.Dimension)
	return nil
}

func runIndexStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}

	st, err := indexService.Status(ctx, ns)
	if err != nil {
		return fmt.Errorf("status failed: %w", err)
	}
	if indexJSON {
		return printJSON(cmd, st)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, render(cmd, titleStyle, "Index "+ns.String()))
	fmt.Fprintf(out, "  Size:       %d\n", st.Size)
	fmt.Fprintf(out, "  Dimension:  %d\n", st.Dimension)
	if st.Backend != "" {
		fmt.Fprintf(out, "  Backend:    %s\n", st.Backend)
	}
	updated := "never"
	if !st.UpdatedAt.IsZero() {
		updated = st.UpdatedAt.Local().Format(time.DateTime)
	}
	fmt.Fprintf(out, "  Updated:    %s\n", updated)
	if st.Rebuilding {
		fmt.Fprintf(out, "  %s\n", render(cmd, warnStyle, "Rebuild in progress"))
	}
	return nil
}
