// capforge is a self-extending capability pipeline: it takes a
// natural-language request, decides whether an existing capability
// already covers it, and if not synthesizes, validates, sandbox-tests
// and atomically deploys new code into a versioned registry.
package main

import (
	"fmt"
	"os"
	"time"

	"capforge/internal/logging"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "capforge",
	Short: "capforge - self-extending capability pipeline",
	Long: `capforge maintains a registry of deployed capabilities and grows it
on demand: gap analysis decides whether a request is already covered,
and when it is not, a synthesis oracle proposes code that must survive
static validation and sandbox execution before a versioned, atomic
deployment makes it live. Every attempt is recorded to an append-only
learning log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("resolve workspace: %w", err)
			}
			workspace = wd
		}
		return logging.Initialize(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Operation timeout")

	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
