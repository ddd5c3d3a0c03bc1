package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [config-path]",
	Short: "Scaffold a starter conductor.toml and an empty state directory",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "conductor.toml"
	if len(args) == 1 {
		path = args[0]
	}
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(path); err == nil && !force {
		return withExitCode(2, fmt.Errorf("%s already exists; rerun with --force to overwrite", path))
	}

	cfg := config.Defaults()
	f, err := os.Create(path)
	if err != nil {
		return withExitCode(1, fmt.Errorf("create %s: %w", path, err))
	}
	defer f.Close()

	// Only the sectioned fields belong in the TOML file; StateDir and the
	// rest of Config's runtime-only fields are not written to it.
	sections := struct {
		Project config.ProjectConfig `toml:"project"`
		Agents  config.AgentsConfig  `toml:"agents"`
		Passes  config.PassesConfig  `toml:"passes"`
		Tracker config.TrackerConfig `toml:"tracker"`
		Retry   config.RetryConfig  `toml:"retry"`
	}{cfg.Project, cfg.Agents, cfg.Passes, cfg.Tracker, cfg.Retry}
	if err := toml.NewEncoder(f).Encode(sections); err != nil {
		return withExitCode(1, fmt.Errorf("write %s: %w", path, err))
	}

	if err := os.MkdirAll(filepath.Clean(cfg.StateDir), 0o755); err != nil {
		return withExitCode(1, fmt.Errorf("create state dir: %w", err))
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Printf("created state directory %s\n", cfg.StateDir)
	return nil
}
