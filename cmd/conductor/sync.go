package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/controlserver"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Force an immediate tracker refresh and reconciliation pass on a running engine",
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return withExitCode(2, err)
	}

	client := controlserver.NewClient(cfg.ControlSocket)
	client.Timeout = 30 * time.Second

	resp, err := client.Call("sync", nil)
	if err != nil {
		return withExitCode(3, fmt.Errorf("engine not reachable at %s: %w", cfg.ControlSocket, err))
	}
	if !resp.OK {
		return withExitCode(mapErrorKind(resp.Error), fmt.Errorf("%s: %s", resp.Error, resp.Message))
	}

	fmt.Println("sync requested")
	return nil
}
