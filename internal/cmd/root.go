// Package cmd implements the revit-bridge command line interface.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okuno-dsi/revit-mcp-bridge/internal/observability"
	"github.com/okuno-dsi/revit-mcp-bridge/internal/version"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   version.Version,
	Commit:    version.Commit,
	BuildDate: version.Date,
}

// SetVersionInfo records build identification injected by the main
// package at link time.
func SetVersionInfo(ver, commit, buildDate string) {
	versionInfo.Version = ver
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	version.Version = ver
	version.Commit = commit
	version.Date = buildDate
}

var (
	flagConfigFile string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "revit-bridge",
	Short: "Durable job queue and dispatch bridge for desktop automation",
	Long: `revit-bridge sits between concurrent HTTP clients and a single,
non-reentrant desktop execution lane. Jobs are persisted in SQLite,
survive restarts, and are dispatched one at a time to the add-in over a
long-poll channel.

Common usage:
  revit-bridge serve                 # run the bridge daemon
  revit-bridge jobs ls               # list queued jobs
  revit-bridge jobs show 3fa4        # inspect one job by id prefix
  revit-bridge jobs gc --max-age 7d  # prune old terminal jobs`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return observability.InitCLILogger(flagLogLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Config file path (default: revit-bridge.yaml in ., ~/.config/revit-bridge, /etc/revit-bridge)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// Execute runs the CLI. The returned exit code is 0 on success.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var coded *codedError
		if errors.As(err, &coded) {
			return coded.code
		}
		observability.CLILogger.Error("command failed", zap.Error(err))
		return 1
	}
	return 0
}

// codedError carries a process exit code chosen at the failure site.
type codedError struct {
	code int
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError logs a failure and returns an error that maps to the given
// foundry exit code when the command unwinds.
func exitError[C ~int](code C, msg string, err error) error {
	observability.CLILogger.Error(msg, zap.Error(err))
	return &codedError{code: int(code), msg: msg, err: err}
}
