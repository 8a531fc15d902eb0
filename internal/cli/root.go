// Package cli provides the command-line interface for embedctl.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/embedctl/internal/app"
	"github.com/raphaelgruber/embedctl/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configPath string

	// Global config and wiring, set up by PersistentPreRunE
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
	deps       *app.App
	noAppNames = map[string]bool{"version": true, "help": true, "watch": true, "completion": true}
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "embedctl",
	Short: "Run embedding jobs against a remote embedding service",
	Long: `embedctl submits text chunks to a remote embedding service, tracks every
task until it completes over the push channel or by polling, and collects
the resulting vectors with per-job metrics.

Configuration comes from a YAML file (--config) and EMBEDCTL_* environment
variables. Job history is kept in SurrealDB when SURREALDB_URL is set.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}

		stderrLevel := slog.LevelWarn
		if verbose {
			stderrLevel = slog.LevelDebug
		}
		logger, closeLog = config.SetupLoggerLevels(cfg.LogFile, cfg.LogLevel, stderrLevel)
		slog.SetDefault(logger)

		// Skip wiring for commands that do not talk to the service
		if noAppNames[cmd.Name()] {
			return nil
		}

		deps, err = app.New(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		deps.Start(cmd.Context())
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Wiring is released even when the command fails.
func Execute(ctx context.Context) error {
	defer cleanup()
	return rootCmd.ExecuteContext(ctx)
}

func cleanup() {
	if deps != nil {
		if err := deps.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close: %v\n", err)
		}
		deps = nil
	}
	if closeLog != nil {
		_ = closeLog()
		closeLog = nil
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "embedctl.yaml", "config file (YAML, optional)")

	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}
