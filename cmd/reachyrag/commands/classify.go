package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewClassifyCmd constructs the `reachyrag classify` command. It needs no
// store or model: only the configured profile table.
func NewClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify [query]",
		Short: "Print the query type and collection weights for a query",
		Example: `  reachyrag classify "explain the SDK architecture"
  reachyrag classify "fix the TimeoutError in goto"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolveSettings()
			if err != nil {
				return fmt.Errorf("classify: %w", err)
			}
			label := s.Profiles.Classify(joinQuery(args))
			stdout := cmd.OutOrStdout()
			fmt.Fprintln(stdout, label)
			for _, w := range s.Profiles.WeightsFor(label) {
				fmt.Fprintf(stdout, "  %-22s %.2f\n", w.Collection, w.Weight)
			}
			return nil
		},
	}
}
