// Package cmd holds the brokerctl subcommands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/brokersync/internal/app"
	"github.com/alanyoungcy/brokersync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "brokerctl",
	Short: "Operate the broker sync engine",
	Long: `brokerctl runs one-shot operations against the broker sync engine's
store using the same configuration as the brokersync daemon.

Subcommands:
  vault    - generate keys and encrypt credential sets
  migrate  - apply the database schema
  sync     - run one sync attempt for a connection
  import   - import a broker CSV export into a connection
  stats    - print a connection's daily P&L
  archive  - write and browse the monthly sync log archive`,
	SilenceUsage: true,
}

var (
	configPath string
	verbose    bool
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

// newLogger writes text logs to stderr so stdout stays parseable.
func newLogger(cfg *config.Config) *slog.Logger {
	level := config.ParseLevel(cfg.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withEngine wires the configured backends, runs fn, and releases them.
func withEngine(ctx context.Context, fn func(*app.Dependencies, *app.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("brokerctl: %w", err)
	}
	defer cleanup()
	return fn(deps, app.NewEngine(cfg, deps, logger))
}
