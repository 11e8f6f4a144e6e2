package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firestige-labs/aof/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the aofd daemon process",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the aofd daemon in the foreground",
	Long: `Run the aofd daemon in the foreground: loads configuration, acquires the
PID lock, opens the Task Store and Event Log, starts the Scheduler poll
loop, and serves the metrics and health HTTP endpoints until SIGTERM,
SIGINT, or SIGHUP (config reload) is received.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile)
		if err != nil {
			return fmt.Errorf("failed to initialize daemon: %w", err)
		}
		if err := d.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		return d.Run()
	},
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd)
}
