// Package cmd holds the cobra command tree for the engine binary.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sparkling-owl-spin",
		Short: "Policy-driven crawl, fetch and extraction engine.",
		Long: `sparkling-owl-spin runs the crawl-fetch-extract pipeline: a proxy pool
with health scoring, per-domain anti-bot policy, a dependency-aware job
scheduler and a declarative template extraction runtime, exposed over a
REST API.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
