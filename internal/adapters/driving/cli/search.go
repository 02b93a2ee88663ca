package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
)

var (
	searchLimit         int
	searchJSON          bool
	searchMinSimilarity float64
	searchLambda        float64
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed chunks",
	Long: `Performs hybrid search over the chunks of the selected namespace.
Keyword and vector scores are fused, then diversified with MMR.
Without an embedding provider the search is keyword-only.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "maximum number of results (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	searchCmd.Flags().Float64Var(&searchMinSimilarity, "min-similarity", 0, "minimum cosine similarity for vector hits")
	searchCmd.Flags().Float64Var(&searchLambda, "lambda", 0, "MMR relevance weight between 0 and 1")
	rootCmd.AddCommand(searchCmd)
}

// searchOptions builds options from the flags that were set.
func searchOptions(cmd *cobra.Command, limit int) domain.SearchOptions {
	opts := domain.SearchOptions{TopK: limit}
	if cmd.Flags().Changed("min-similarity") {
		v := searchMinSimilarity
		opts.MinSimilarity = &v
	}
	if cmd.Flags().Changed("lambda") {
		v := searchLambda
		opts.Lambda = &v
	}
	return opts
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}

	results, err := retrievalService.Search(ctx, ns, args[0], searchOptions(cmd, searchLimit))
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		if results == nil {
			results = []domain.SearchCandidate{}
		}
		return printJSON(cmd, results)
	}
	outputSearchTable(cmd, results)
	return nil
}

func outputSearchTable(cmd *cobra.Command, results []domain.SearchCandidate) {
	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No results found.")
		return
	}

	for i := range results {
		r := &results[i]
		title := r.Title
		if title == "" {
			title = r.SourceID
		}
		fmt.Fprintf(out, "  [%d] %s %s\n", i+1,
			render(cmd, titleStyle, title),
			render(cmd, scoreStyle, fmt.Sprintf("(%.3f)", r.Score)))
		if r.SourceID != "" && r.SourceID != title {
			fmt.Fprintf(out, "      %s\n", render(cmd, mutedStyle, "Source: "+r.SourceID))
		}
		if headings := metaStrings(r.Metadata, domain.MetaHeadings); len(headings) > 0 {
			fmt.Fprintf(out, "      %s\n", render(cmd, mutedStyle, strings.Join(headings, " > ")))
		}
		fmt.Fprintf(out, "      %s\n\n", truncate(strings.Join(strings.Fields(r.Content), " "), 160))
	}
}

// metaStrings reads a string list stored in candidate metadata.
func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
