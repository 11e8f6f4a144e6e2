// Package cmd implements the aofd CLI using cobra: a persistent --config
// flag and an Execute entrypoint, with no UDS-client control surface —
// task mutation here always runs in-process against the Task Store
// directly, never over a socket (see DESIGN.md).
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "aofd",
	Short: "aofd - Agentic Operations Fabric daemon and CLI",
	Long: `aofd is a deterministic, file-system-backed orchestrator for autonomous
worker agents: a crash-safe Task Store, a Scheduler that ages leases and
sweeps gate timeouts, a Workflow/Gate Engine for multi-stage review, a
Dependency Cascader, and a Projection Engine that materializes Kanban and
mailbox views for human consumption.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/aofd/aofd.yaml",
		"daemon config file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "",
		"override the data directory from the config file")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(lintCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
