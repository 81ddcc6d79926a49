// Package commands defines all Cobra CLI commands for the reachyrag binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/reachyrag-go/internal/audit"
	"github.com/54b3r/reachyrag-go/internal/config"
	"github.com/54b3r/reachyrag-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfig is the parsed YAML file (empty when none was found). Its
// structured sections are resolved by openApp.
var loadedConfig *config.Config

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reachyrag",
		Short: "Retrieval-augmented assistant for the Reachy 2 SDK",
		Long: `reachyrag answers questions about programming the Reachy 2 robot.

Questions are classified (code, concept, error, default), searched across the
SDK documentation collections with per-type weights, optionally re-ranked,
and answered by the configured chat model with safety guidance attached.

Configuration comes from environment variables, a .env file, or a YAML file
(~/.reachyrag/config.yaml). Environment variables always win.
See 'reachyrag --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			cfg, path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfig = cfg

			// Logging env vars may have come from the file; rebuild.
			log = logging.New()
			cmd.SetContext(logging.WithLogger(cmd.Context(), log))

			audit.LogCommandStart(cmd.Context(), log, cmd.CommandPath(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.reachyrag/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewRetrieveCmd(),
		NewClassifyCmd(),
		NewIngestCmd(),
		NewCollectionsCmd(),
		NewSaveCmd(),
		NewCleanupCmd(),
		NewServeCmd(),
		NewEvalCmd(),
		NewVersionCmd(),
	)

	return root
}
