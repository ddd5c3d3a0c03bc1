package main

import (
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/logging"
)

// loadConfig reads --config (falling back to Defaults()), then applies
// --verbose by raising the slog level, matching the teacher's
// logging.Level package var being the single runtime-adjustable knob.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	logging.Setup()

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		logging.Level.Set(logging.ParseLevel("debug"))
	}
	return cfg, nil
}
