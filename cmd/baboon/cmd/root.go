// Package cmd provides the CLI commands for the baboon watcher.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/baboon-sync/baboon/internal/config"
	"github.com/baboon-sync/baboon/internal/logging"
	"github.com/baboon-sync/baboon/pkg/version"
)

var (
	configPath   string
	debugMode    bool
	showProgress bool
	logger       *slog.Logger
	cleanup      func()
)

// NewRootCmd creates the root command for the baboon watcher CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "baboon",
		Short:   "Real-time pre-merge conflict watcher",
		Version: version.Short(),
		Long: `baboon watches your working tree for changes and streams them to a
baboond daemon, which speculatively merges every contributor's
in-flight edits and alerts on conflicts before anyone commits.`,
	}
	cmd.SetVersionTemplate("baboon version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultUserConfigPath(), "path to the baboon config file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&showProgress, "progress", false, "print startup reconciliation-scan progress")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRunE = teardownLogging

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newInitCmd())

	return cmd
}

func setupLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg = logging.DebugConfig()
	}

	l, c, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logger = l
	cleanup = c
	slog.SetDefault(logger)
	return nil
}

func teardownLogging(_ *cobra.Command, _ []string) error {
	if cleanup != nil {
		cleanup()
		cleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
