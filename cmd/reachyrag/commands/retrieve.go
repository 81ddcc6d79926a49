package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewRetrieveCmd constructs the `reachyrag retrieve` command, which runs
// retrieval (and re-ranking when configured) without generating an answer.
func NewRetrieveCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "retrieve [query]",
		Short: "Show the ranked documentation chunks for a query",
		Long: `Run classification, weighted multi-collection retrieval and the optional
re-ranking stage, then print the ranked chunks. Useful for tuning collection
weights and PER_COLLECTION_K without spending LLM tokens.

Examples:
  reachyrag retrieve "open the gripper"
  reachyrag retrieve --json "what is a Reachy part?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, needs{decompose: true})
			if err != nil {
				return fmt.Errorf("retrieve: %w", err)
			}
			defer a.Close()

			p, err := a.pipeline()
			if err != nil {
				return fmt.Errorf("retrieve: %w", err)
			}
			out, err := p.Retrieve(ctx, joinQuery(args))
			if err != nil {
				return fmt.Errorf("retrieve: %w", err)
			}

			stdout := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out.Results)
			}

			fmt.Fprintf(stdout, "label: %s  reranked: %v\n", out.Label, out.Reranked)
			for _, sq := range out.SubQueries {
				fmt.Fprintf(stdout, "sub-query: %s\n", sq)
			}
			if w := out.Warning(); w != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSCORE\tCOLLECTION\tID\tTEXT")
			for i, r := range out.Results {
				fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\t%s\n", i+1, r.Score, r.Collection, r.ID, preview(r.Text, 60))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}

// preview flattens text to one line of at most n runes.
func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n-1]) + "…"
}
