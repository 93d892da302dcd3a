package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/warden/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - sliding-window admission control",
	Long: `Warden admits or throttles requests using sliding-window rate limits.

Each caller (IP, user, API key, or API key on one endpoint) gets a record of
recent weighted requests. Exceeding a rule's limit blocks the caller, and
repeat offenders are blocked for exponentially longer, up to a cap.

Records live in memory, in SQLite, or in Redis when several instances must
share state. Without --config, defaults and WARDEN_* environment variables
are used.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code derived from the error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
