// Command agentflow is the CLI surface over the worker service and the
// single-process convenience runner (§6 expansion), grounded on the
// teacher's cmd/server/main.go cobra/viper construction.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "AgentFlow — a deterministic, persistent, iterative workflow execution engine",
	Long: `AgentFlow expands a workflow's AST into a tree of steps and drives it
to a fixed point across commit boundaries, pausing at external effects and
resuming when an external agent (or this process's own worker pool) supplies
their result.`,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentflow version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("agentflow", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
