// Package cmd wires the harvester CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dssdlab/harvester/internal/app"
	"github.com/dssdlab/harvester/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A resilient outbound data-collection engine.",
		Long: `harvester fetches data from rate-limited remote HTTP sources on cron
schedules, normalizes and paginates their responses, and persists
heterogeneous records into a schema-evolving SQLite store, protecting both
itself and the remote endpoints with adaptive rate limiting and circuit
breaking.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the configuration file")
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newOnceCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func buildApp() (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init app: %w", err)
	}
	return a, nil
}
