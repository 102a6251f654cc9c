// Package cmd provides the CLI commands for the governor.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/governor/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "governor",
	Short: "Governor - policy decisions and signed audit for agent actions",
	Long: `Governor decides whether an agent action is allowed, escalated or denied,
and records every decision in a hash-chained, signed ledger.

Quick start:
  1. Write rule documents under ./policies
  2. export GOVERNOR_LEDGER_SECRET=$(openssl rand -hex 32)
  3. Run: governor serve --policy ./policies

Configuration:
  Config is loaded from governor.yaml in the current directory,
  $HOME/.governor/, or /etc/governor/.

  Environment variables can override config values with the GOVERNOR_ prefix.
  Example: GOVERNOR_LEDGER_BACKEND=sqlite

Commands:
  serve       Run the governor with its ops HTTP surface
  evaluate    Evaluate one request read from a file or stdin
  verify      Verify the ledger chain offline
  ledger      Inspect ledger entries
  policy      Validate rule documents and print their version
  keys        Manage actor keys and sign proofs
  stop        Stop the running server
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./governor.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
