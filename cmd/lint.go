package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firestige-labs/aof/internal/aoftask"
	"github.com/firestige-labs/aof/internal/config"
)

var lintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Scan the task store for parse failures and content-hash mismatches",
	Long: `lint walks every task file under the data directory's tasks/ tree and
reports files that fail to parse, whose contentHash no longer matches
their contents, or that are filed under a directory not matching their
own status field. It never mutates the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveDataDir()
		if err != nil {
			return err
		}
		store, err := aoftask.Open(dir)
		if err != nil {
			return fmt.Errorf("failed to open task store at %q: %w", dir, err)
		}
		findings, err := store.Lint()
		if err != nil {
			return fmt.Errorf("lint failed: %w", err)
		}
		if len(findings) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no issues found")
			return nil
		}
		for _, f := range findings {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", f.Path, f.Reason)
		}
		return fmt.Errorf("%d issue(s) found", len(findings))
	},
}

// resolveDataDir prefers the --data-dir override over the configured
// data_dir, matching how a one-off CLI invocation should behave when run
// alongside a daemon whose config it doesn't want to fully reload.
func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.DataDir, nil
}
