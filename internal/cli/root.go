// Package cli implements the tierflow command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	LogLevel  string
	LogFormat string
}

// NewRootCommand builds the tierflow command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tierflow",
		Short: "Multi-tier ETL pipeline runtime",
		Long: `tierflow runs one tier of an ETL pipeline: it consumes change
notifications from the previous tier, records them in the job ledger, runs the
configured domain job and publishes the resulting changes to the next tier.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format: text|json (overrides config)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewJobsCommand())
	cmd.AddCommand(NewTransportsCommand())

	return cmd
}
