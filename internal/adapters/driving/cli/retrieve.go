package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/kbsearch/internal/core/services"
)

var (
	retrieveLimit  int
	retrieveJSON   bool
	retrieveInline bool
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Assemble answer context for a query",
	Long: `Runs a search and assembles the matching chunks into a numbered context
block with citations, bounded by retrieval.max_context_chars.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetrieve,
}

func init() {
	retrieveCmd.Flags().IntVarP(&retrieveLimit, "limit", "n", 0, "maximum number of chunks (default from config)")
	retrieveCmd.Flags().BoolVar(&retrieveJSON, "json", false, "output context and citations as JSON")
	retrieveCmd.Flags().BoolVar(&retrieveInline, "inline", false, "cite sources by title instead of number")
	rootCmd.AddCommand(retrieveCmd)
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}

	rc, err := retrievalService.Retrieve(ctx, ns, args[0], searchOptions(cmd, retrieveLimit))
	if err != nil {
		return fmt.Errorf("retrieve failed: %w", err)
	}

	if retrieveJSON {
		return printJSON(cmd, rc)
	}

	out := cmd.OutOrStdout()
	if len(rc.Citations) == 0 {
		fmt.Fprintln(out, "No context found.")
		return nil
	}

	fmt.Fprintln(out, rc.Context)
	fmt.Fprintln(out)
	fmt.Fprintln(out, render(cmd, titleStyle, "Citations"))

	style := services.CitationBrackets
	if retrieveInline {
		style = services.CitationInline
	}
	markers := services.FormatCitations(rc.Citations, style)
	for i, c := range rc.Citations {
		fmt.Fprintf(out, "  %s %s\n", markers[i], c.SourceID)
		if c.Snippet != "" {
			fmt.Fprintf(out, "      %s\n", render(cmd, mutedStyle, truncate(c.Snippet, 120)))
		}
	}
	return nil
}
