// Command conductor is the CLI entrypoint for the agent orchestration
// engine: spec.md §6's "run" / "serve" process plus the init, doctor and
// sync subcommands. The control-plane commands (pause, resume, interrupt,
// file, comment, update, inspect, list, status) that talk to a running
// engine over its Unix control socket live in the sibling conductorctl
// binary (cmd/conductorctl).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Autonomous multi-agent orchestration engine",
	Long: `conductor runs a pool of coding agents against a tracker's backlog,
each in its own isolated VCS workspace, advancing issues through
implement, review, and merge, with a control plane for pausing,
interrupting, and filing work against the running engine.`,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to conductor.toml (defaults unless set)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug-level logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(syncCmd)
}
