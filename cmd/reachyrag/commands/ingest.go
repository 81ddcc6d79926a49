package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/reachyrag-go/internal/ingestion"
	"github.com/54b3r/reachyrag-go/internal/version"
)

// NewIngestCmd constructs the `reachyrag ingest` command, which loads
// scraped documentation files into the document store.
func NewIngestCmd() *cobra.Command {
	var (
		collection   string
		chunkSize    int
		chunkOverlap int
		skipInvalid  bool
	)

	cmd := &cobra.Command{
		Use:   "ingest [file or URL...]",
		Short: "Ingest documentation records into the document store",
		Long: `Load JSON or JSONL documentation records into the document store.

Each record needs "page_content" (or "content") and may carry "metadata".
The target collection is inferred from the file name (api_docs_functions.jsonl
goes to api_docs_functions) unless --collection is given. Before adding, each
collection is checked against the current embedding model and rebuilt when
the vector width changed. The store is saved when ingestion finishes.

Examples:
  reachyrag ingest data/api_docs_functions.jsonl data/api_docs_classes.jsonl
  reachyrag ingest --collection reachy2_tutorials https://example.org/tutorials.json
  reachyrag ingest --chunk-size 1500 --skip-invalid data/reachy2_sdk.jsonl`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, needs{})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.Close()

			p, err := ingestion.NewPipeline(a.store, &ingestion.Config{
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
				SkipInvalid:  skipInvalid,
				HTTPTimeout:  a.settings.CallTimeout,
				UserAgent:    "reachyrag/" + version.Version,
			})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			sources := make([]ingestion.Source, len(args))
			for i, loc := range args {
				sources[i] = ingestion.Source{Location: loc, Collection: collection}
			}

			a.log.Info("starting ingestion", slog.Int("sources", len(sources)))
			summaries, ingestErr := p.Ingest(ctx, sources, func(msg string) { a.log.Info(msg) })

			stdout := cmd.OutOrStdout()
			for _, s := range summaries {
				fmt.Fprintf(stdout, "%-22s records=%d chunks=%d skipped=%d recreated=%v\n",
					s.Collection, s.Records, s.Chunks, s.Skipped, s.Recreated)
			}

			// Persist whatever was added, even after a partial failure.
			if err := a.store.Save(ctx); err != nil {
				return fmt.Errorf("ingest: save: %w", err)
			}
			if ingestErr != nil {
				return fmt.Errorf("ingest: %w", ingestErr)
			}
			a.log.Info("ingestion complete", slog.Int("sources", len(sources)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&collection, "collection", "c", "", "Target collection (default: inferred from the file name)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Split texts longer than this many characters (0 keeps records whole)")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", 0, "Characters shared by consecutive chunks")
	cmd.Flags().BoolVar(&skipInvalid, "skip-invalid", false, "Ingest the valid records of a file that also has malformed ones")

	return cmd
}
