package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "baton",
	Short: "Task orchestration conductor",
	Long: `Baton routes requests through a conductor state machine: intent
classification, optional planning, delegation to specialized workers,
and verification of the aggregated results.

Independent plan steps run concurrently as background tasks under a
bounded pool; each session streams its state transitions and delegation
results as they happen.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
