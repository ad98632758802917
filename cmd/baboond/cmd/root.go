// Package cmd provides the CLI commands for the baboond daemon.
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
	configPath string
	workingDir string
	gitBin     string
	pidPath    string
	cpuProfile string
	debugMode  bool
	logger     *slog.Logger
	cleanup    func()
)

// NewRootCmd creates the root command for the baboond daemon CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "baboond",
		Short:   "Speculative merge-verification daemon",
		Version: version.Short(),
		Long: `baboond holds one server-side mirror per contributor per project,
applies every inbound sync to the right mirror, and speculatively
three-way-merges it against every other contributor's mirror to
surface conflicts before anyone commits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.SetVersionTemplate("baboond version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultUserConfigPath(), "path to the baboon config file")
	cmd.PersistentFlags().StringVar(&workingDir, "working-dir", "/var/lib/baboond", "root of every project's server-side mirrors")
	cmd.PersistentFlags().StringVar(&gitBin, "git-bin", "git", "path to the git binary used for merge verification")
	cmd.PersistentFlags().StringVar(&pidPath, "pid-file", "/var/run/baboond.pid", "path to the daemon's PID file")
	cmd.PersistentFlags().StringVar(&cpuProfile, "cpu-profile", "", "write a CPU profile to this path while the daemon runs")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRunE = teardownLogging

	return cmd
}

func setupLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	logCfg.FilePath = logging.DaemonLogPath()

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
