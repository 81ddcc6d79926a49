package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/reachyrag-go/internal/eval"
)

// NewEvalCmd constructs the `reachyrag eval` command, which scores
// retrieval against a YAML suite of labelled queries.
func NewEvalCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "eval [suite.yaml]",
		Short: "Score retrieval quality against labelled queries",
		Long: `Run every case of a YAML suite through retrieval and report Precision@K,
Recall@K, MRR and NDCG@K per case and on average.

Suite format:
  k: 5
  cases:
    - query: "how do I open the gripper?"
      relevant: ["gripper.open", "api_docs_functions/"]

A retrieved chunk counts as relevant when its text contains one of the
markers, or when a marker matches "collection/id".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			suite, err := eval.LoadSuite(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("k") {
				if k < 1 {
					return fmt.Errorf("eval: --k must be at least 1, got %d", k)
				}
				suite.K = k
			}

			a, err := openApp(ctx, needs{})
			if err != nil {
				return fmt.Errorf("eval: %w", err)
			}
			defer a.Close()

			rep, err := eval.Run(ctx, a.orch, suite)
			if err != nil {
				return err
			}
			return rep.WriteTable(cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&k, "k", 5, "Cut-off rank (overrides the suite)")

	return cmd
}
