package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/reachyrag-go/internal/generator"
)

// NewAskCmd constructs the `reachyrag ask` command, which answers a single
// question and streams the response to stdout.
func NewAskCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the Reachy 2 SDK",
		Long: `Ask a natural language question about programming Reachy 2.

The question is classified, searched across the SDK documentation collections,
and answered by the configured chat model. Safety guidance relevant to the
answer is printed after it. Use --session to keep a conversation going across
invocations.

Examples:
  reachyrag ask "how do I make the right arm wave?"
  reachyrag ask --session demo "what is the difference between goto and set_position?"
  reachyrag ask "why does reachy.connect() raise a ConnectionError?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, needs{model: true, history: session != ""})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer a.Close()

			p, err := a.pipeline()
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			query := joinQuery(args)
			out, err := p.Retrieve(ctx, query)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if w := out.Warning(); w != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}

			stdout := cmd.OutOrStdout()
			answerErr := p.Answer(ctx, out, query, session, stdout)
			fmt.Fprintln(stdout)

			if out.Answer != nil {
				for _, t := range out.Answer.SafetyTopics {
					fmt.Fprintf(stdout, "\n[safety: %s] %s\n", t, generator.Guideline(t))
				}
			}
			return answerErr
		},
	}

	cmd.Flags().StringVarP(&session, "session", "s", "", "Conversation session ID (enables history)")

	return cmd
}
