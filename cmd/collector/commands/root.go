// Package commands implements the collector CLI.
package commands

import (
	"errors"

	"github.com/spf13/cobra"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// ErrConfig marks configuration failures; main maps it to exit code 4.
var ErrConfig = errors.New("configuration error")

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "collector",
	Short: "Breakpad crash report collector",
	Long: `The collector ingests Breakpad crash reports over HTTP, throttles
them, saves accepted crashes to durable storage, and announces each saved
crash on a downstream queue for processing.

All configuration comes from environment variables; see "collector config"
for the effective settings.

Use "collector [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the command error, if any.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sendCrashCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
