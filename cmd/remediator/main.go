package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "remediator",
	Short: "Autonomous payment remediation loop",
	Long: `remediator watches a stream of payment events, detects degraded issuers, methods and
retry behaviour, and applies gated corrective actions that it evaluates and rolls back
when they make things worse.`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults to $MIRADOR_REMEDIATOR_CONFIG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
