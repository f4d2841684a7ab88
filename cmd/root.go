// Package cmd wires the parley CLI. All application logic lives here and
// in internal/; main.go stays a minimal entry point.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/log"
)

var (
	flagLogJSON  bool
	flagLogDebug bool
)

var rootCmd = &cobra.Command{
	Use:           "parley",
	Short:         "Parley is a retrieval-augmented chat service",
	Long:          "Parley serves grounded AI chat over REST and websockets,\nbacked by PostgreSQL with pgvector for similarity search.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&flagLogDebug, "debug", false, "enable debug logging")
}

// newLogger builds the process logger from the persistent flags.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagLogDebug {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagLogJSON})
}
