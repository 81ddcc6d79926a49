package commands

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewCollectionsCmd constructs the `reachyrag collections` command group.
func NewCollectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "Inspect and repair document store collections",
	}
	cmd.AddCommand(newCollectionsListCmd(), newCollectionsHealCmd(), newCollectionsDeleteCmd())
	return cmd
}

func newCollectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List collections with their document counts and vector widths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, needs{})
			if err != nil {
				return fmt.Errorf("collections list: %w", err)
			}
			defer a.Close()

			names, err := a.store.Collections(ctx)
			if err != nil {
				return fmt.Errorf("collections list: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COLLECTION\tDOCUMENTS\tDIMENSION")
			for _, n := range names {
				count, err := a.store.Count(ctx, n)
				if err != nil {
					return fmt.Errorf("collections list: %w", err)
				}
				dim, err := a.store.Index().Dimension(ctx, n)
				if err != nil {
					return fmt.Errorf("collections list: %w", err)
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\n", n, count, dim)
			}
			return tw.Flush()
		},
	}
}

func newCollectionsHealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heal [collection...]",
		Short: "Rebuild collections whose vector width no longer matches the embedding model",
		Long: `Embed a probe string with the current embedding model and compare its width
with each collection's index. Collections that differ are deleted and recreated
empty; re-ingest them afterwards. Without arguments every configured
collection is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, needs{})
			if err != nil {
				return fmt.Errorf("collections heal: %w", err)
			}
			defer a.Close()

			stdout := cmd.OutOrStdout()
			for _, n := range collectionArgs(a.settings, args) {
				recreated, err := a.store.RecreateIfDimensionMismatch(ctx, n)
				if err != nil {
					return fmt.Errorf("collections heal: %s: %w", n, err)
				}
				status := "ok"
				if recreated {
					status = "recreated (re-ingest required)"
					a.log.Warn("collection recreated for new embedding width", slog.String("collection", n))
				}
				fmt.Fprintf(stdout, "%-22s %s\n", n, status)
			}
			return a.store.Save(ctx)
		},
	}
}

func newCollectionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [collection]",
		Short: "Delete one collection and its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, needs{})
			if err != nil {
				return fmt.Errorf("collections delete: %w", err)
			}
			defer a.Close()

			if err := a.store.DeleteCollection(ctx, args[0]); err != nil {
				return fmt.Errorf("collections delete: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return a.store.Save(ctx)
		},
	}
}
