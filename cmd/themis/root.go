package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/themis/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "themis",
	Short: "Themis - multi-tenant data retention enforcement engine",
	Long: `Themis enforces data retention policies across tenant record stores.

It scans records against per-legal-basis retention policies, verifies that
no legal hold forbids disposal, archives what must be preserved, executes
the configured disposal method, and seals a cryptographically verifiable
disposal certificate with a before/after audit trail for every action.

Scheduled runs, per-tenant concurrency quotas, and a cross-process run
lease keep enforcement safe to operate continuously.`,
	Version: Version,
}

// Execute runs the root command. Config errors and verification failures
// exit with their own codes so wrappers can branch without parsing stderr.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
