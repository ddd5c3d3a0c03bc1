// Command conductorctl is the sibling control CLI for a running
// conductor engine: it dials the engine's Unix control socket
// (spec.md §4.F/§6) and exits with the contract's fixed codes —
// 0 success, 1 engine error, 2 invalid request, 3 not running.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/controlserver"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "conductorctl",
	Short: "Control a running conductor engine over its Unix control socket",
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to conductor.toml (for resolving the control socket path)")
	rootCmd.PersistentFlags().String("socket", "", "control socket path, overriding the config file")

	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(interruptCmd)
	rootCmd.AddCommand(fileCmd)
	rootCmd.AddCommand(commentCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
}

// dial resolves the control socket from --socket or the loaded config and
// returns a ready-to-use Client.
func dial(cmd *cobra.Command) (*controlserver.Client, error) {
	if sock, _ := cmd.Flags().GetString("socket"); sock != "" {
		return controlserver.NewClient(sock), nil
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, withExitCode(2, err)
	}
	return controlserver.NewClient(cfg.ControlSocket), nil
}

// call dials, sends op/args, and translates the result into the exit-code
// contract: ErrNotRunning -> 3, a non-ok Response -> 1 or 2 depending on
// its error kind, otherwise the Response is returned for the caller to
// print.
func call(cmd *cobra.Command, op string, args map[string]string) (controlserver.Response, error) {
	client, err := dial(cmd)
	if err != nil {
		return controlserver.Response{}, err
	}
	resp, err := client.Call(op, args)
	if err != nil {
		if errors.Is(err, controlserver.ErrNotRunning) {
			return controlserver.Response{}, withExitCode(3, err)
		}
		return controlserver.Response{}, withExitCode(1, err)
	}
	if !resp.OK {
		return resp, withExitCode(mapErrorKind(resp.Error), fmt.Errorf("%s: %s", resp.Error, resp.Message))
	}
	return resp, nil
}
