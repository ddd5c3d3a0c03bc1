package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/bootstrap"
	"github.com/conductorhq/conductor/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine: scheduler loop, control server, and dashboard gateway",
	RunE:  runEngine,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Alias for run, for process supervisors that expect a \"serve\" verb",
	RunE:  runEngine,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, serveCmd} {
		c.Flags().Int("max-iterations", 0, "stop after N scheduler iterations (0 = run forever)")
		c.Flags().Bool("no-planner", false, "disable the planner meta-pass regardless of config")
		c.Flags().Int("planner-interval", 0, "override passes.planner_interval")
		c.Flags().Bool("no-quality", false, "disable the quality meta-pass regardless of config")
		c.Flags().Int("quality-interval", 0, "override passes.quality_interval")
		c.Flags().Int("agent-timeout", 0, "override agents.timeout_seconds")
		c.Flags().String("port", "", "override the dashboard listen address (host:port)")
	}
}

// runEngine wires the full Engine (internal/bootstrap.New), starts the
// scheduler Loop, Control Server, and Dashboard Gateway concurrently, and
// blocks until SIGINT/SIGTERM or a fatal scheduler error. On a signal it
// cancels the shared context and returns nil, and the deferred Close
// releases the on-disk stores; it does not pause the Loop, wait for busy
// slots to finish, or record in-flight attempt outcomes before exiting.
// A fatal scheduler or server error returns exit code 1.
func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return withExitCode(1, err)
	}
	applyRunFlags(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return withExitCode(1, fmt.Errorf("start engine: %w", err))
	}
	defer eng.Close()

	maxIterations, _ := cmd.Flags().GetInt("max-iterations")

	errCh := make(chan error, 3)
	go func() { errCh <- eng.Loop.Run(ctx, maxIterations) }()
	go func() {
		if err := eng.Control.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("control server: %w", err)
		}
	}()
	go func() {
		if err := eng.Dashboard.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("dashboard gateway: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("conductor: shutdown signal received, exiting")
	case fatal := <-eng.Loop.Fatal():
		stop()
		return withExitCode(1, fmt.Errorf("scheduler: %w", fatal))
	case err := <-errCh:
		stop()
		if err != nil {
			return withExitCode(1, err)
		}
	}
	return nil
}

// applyRunFlags layers run/serve's flag overrides on top of the loaded
// Config, the same "flags win over file" precedence config.Load already
// applies to environment variables.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetBool("no-planner"); v {
		cfg.Passes.PlannerEnabled = false
	}
	if v, _ := cmd.Flags().GetInt("planner-interval"); v > 0 {
		cfg.Passes.PlannerInterval = v
	}
	if v, _ := cmd.Flags().GetBool("no-quality"); v {
		cfg.Passes.QualityEnabled = false
	}
	if v, _ := cmd.Flags().GetInt("quality-interval"); v > 0 {
		cfg.Passes.QualityInterval = v
	}
	if v, _ := cmd.Flags().GetInt("agent-timeout"); v > 0 {
		cfg.Agents.TimeoutSeconds = v
	}
	if v, _ := cmd.Flags().GetString("port"); v != "" {
		cfg.DashboardAddr = v
	}
}
