package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/kbsearch/internal/connectors/filesystem"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/logger"
	"github.com/custodia-labs/kbsearch/internal/normalisers"
	"github.com/custodia-labs/kbsearch/internal/normalisers/html"
	"github.com/custodia-labs/kbsearch/internal/normalisers/markdown"
	"github.com/custodia-labs/kbsearch/internal/normalisers/plaintext"
	"github.com/custodia-labs/kbsearch/internal/postprocessors"
)

var (
	ingestSource    string
	ingestChunkSize int
	ingestOverlap   int
	ingestJSON      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Chunk files and add them to the index",
	Long: `Reads each file, extracts its text and headings, splits it into
overlapping chunks and stores them in the selected namespace.

Markdown, HTML and plain text files are supported. Directories are walked
recursively, skipping hidden entries and unsupported files. Each file
becomes one source, identified by its path unless --source is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source id (single file only)")
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "characters per chunk (default 1200)")
	ingestCmd.Flags().IntVar(&ingestOverlap, "overlap", 0, "overlapping characters between chunks (default 200)")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(ingestCmd)
}

// ingestReport is the per-file outcome.
type ingestReport struct {
	Path     string `json:"path"`
	SourceID string `json:"sourceId"`
	Chunks   int    `json:"chunks"`
	domain.UpsertResult
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestSource != "" && len(args) > 1 {
		return errors.New("--source applies to a single file")
	}

	ctx := cmd.Context()
	if err := requireServices(ctx); err != nil {
		return err
	}
	ns, err := currentNamespace()
	if err != nil {
		return err
	}

	pipeline, err := ingestPipeline(cmd)
	if err != nil {
		return err
	}
	registry := normalisers.NewRegistry(markdown.New(), html.New(), plaintext.New())

	var reports []ingestReport
	for _, arg := range args {
		connector := filesystem.New(arg)
		docs, errs := connector.FullSync(ctx)
		for raw := range docs {
			explicit := raw.URI == connector.Root()
			if ingestSource != "" {
				if !explicit {
					drain(docs)
					return errors.New("--source applies to a single file")
				}
				raw.SourceID = ingestSource
			}

			chunks, err := chunkDocument(ctx, registry, pipeline, &raw)
			if errors.Is(err, errUnsupported) && !explicit {
				logger.Debug("Skipping %s: %v", raw.URI, err)
				continue
			}
			if err != nil {
				drain(docs)
				return err
			}
			res, err := indexService.Ingest(ctx, ns, chunks)
			if err != nil {
				drain(docs)
				return fmt.Errorf("ingesting %s: %w", raw.URI, err)
			}
			reports = append(reports, ingestReport{Path: raw.URI, SourceID: raw.SourceID, Chunks: len(chunks), UpsertResult: res})
		}
		if err := <-errs; err != nil {
			return err
		}
	}

	if ingestJSON {
		return printJSON(cmd, reports)
	}
	out := cmd.OutOrStdout()
	for _, r := range reports {
		fmt.Fprintf(out, "%s %s: %d chunks (%d added, %d skipped)\n",
			render(cmd, okStyle, "Ingested"), r.Path, r.Chunks, r.Added, r.Skipped)
	}
	if n := len(reports); n > 0 {
		fmt.Fprintln(out, render(cmd, mutedStyle, fmt.Sprintf("Index %s now holds %d chunks", ns, reports[n-1].Size)))
	}
	return nil
}

// ingestPipeline builds the chunking pipeline from the command flags.
func ingestPipeline(cmd *cobra.Command) (*postprocessors.Pipeline, error) {
	cfg := map[string]any{}
	if cmd.Flags().Changed("chunk-size") {
		cfg["chunk_size"] = ingestChunkSize
	}
	if cmd.Flags().Changed("overlap") {
		cfg["overlap"] = ingestOverlap
	}

	processors := postprocessors.NewRegistry()
	postprocessors.RegisterDefaults(processors)
	pipeline, err := processors.Pipeline(postprocessors.Stage{Name: "chunker", Config: cfg})
	if err != nil {
		return nil, err
	}
	logger.Debug("Ingest pipeline: %s", strings.Join(pipeline.Stages(), " -> "))
	return pipeline, nil
}

// errUnsupported marks documents no normaliser handles.
var errUnsupported = errors.New("unsupported file type")

// chunkDocument normalises and chunks one raw document.
func chunkDocument(ctx context.Context, registry *normalisers.Registry, pipeline *postprocessors.Pipeline, raw *domain.RawDocument) ([]domain.Chunk, error) {
	normaliser, err := registry.Get(raw.MIMEType)
	if err != nil {
		if !strings.HasPrefix(raw.MIMEType, "text/") {
			return nil, fmt.Errorf("%s: %w: %w", raw.URI, errUnsupported, err)
		}
		normaliser, err = registry.Get("text/plain")
		if err != nil {
			return nil, err
		}
	}

	doc, err := normaliser.Normalise(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("normalising %s: %w", raw.URI, err)
	}

	chunks, err := pipeline.Process(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("chunking %s: %w", raw.URI, err)
	}
	return chunks, nil
}

// drain discards the rest of a document stream so its producer can exit.
func drain(docs <-chan domain.RawDocument) {
	for range docs {
	}
}
