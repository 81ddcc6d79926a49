package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewSaveCmd constructs the `reachyrag save` command.
func NewSaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Persist the document store",
		Long: `Write the working copy of the document store to VECTOR_STORE_DIR. Queries
from other clients fail fast with "store busy" while the save runs. With the
Qdrant backend this only takes the maintenance lock, since Qdrant persists on
its own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, needs{})
			if err != nil {
				return fmt.Errorf("save: %w", err)
			}
			defer a.Close()

			if err := a.store.Save(ctx); err != nil {
				return fmt.Errorf("save: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "store saved")
			return nil
		},
	}
}

// NewCleanupCmd constructs the `reachyrag cleanup` command.
func NewCleanupCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every collection in the document store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("cleanup: refusing to delete every collection without --yes")
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, needs{})
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			defer a.Close()

			if err := a.store.Cleanup(ctx); err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			if err := a.store.Save(ctx); err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all collections deleted")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion of every collection")

	return cmd
}
