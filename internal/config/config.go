// Package config loads the engine's configuration from a TOML file, with
// individual fields overridable by environment variables for container
// deployments — the same override idiom the teacher's flat env-only loader
// used, layered on top of the sectioned file spec.md §6 requires.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ProjectConfig is the [project] section.
type ProjectConfig struct {
	Name     string `toml:"name"`
	BuildCmd string `toml:"build_cmd"`
	TestCmd  string `toml:"test_cmd"`
	RepoPath string `toml:"repo_path"`
}

// AgentsConfig is the [agents] section.
type AgentsConfig struct {
	Implementer    string `toml:"implementer"`
	Reviewer       string `toml:"reviewer"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	NumWorkers     int    `toml:"num_workers"`
}

// PassesConfig is the [passes] section.
type PassesConfig struct {
	PlannerEnabled  bool   `toml:"planner_enabled"`
	PlannerInterval int    `toml:"planner_interval"`
	QualityEnabled  bool   `toml:"quality_enabled"`
	QualityInterval int    `toml:"quality_interval"`
	PlannerCron     string `toml:"planner_cron"`
	QualityCron     string `toml:"quality_cron"`
}

// TrackerConfig is the [tracker] section.
type TrackerConfig struct {
	Type     string `toml:"type"`
	LogPath  string `toml:"log_path"`
	Command  string `toml:"command"`
	SyncFlag bool   `toml:"sync"`
}

// RetryConfig is the [retry] section.
type RetryConfig struct {
	DefaultModel          string  `toml:"default_model"`
	EscalationModel       string  `toml:"escalation_model"`
	EscalateAfterAttempts int     `toml:"escalate_after_attempts"`
	MaxTotalAttempts      int     `toml:"max_total_attempts"`
	BackoffMsInitial      int     `toml:"backoff_ms_initial"`
	BackoffFactor         float64 `toml:"backoff_factor"`
	FatalWebhookURL       string  `toml:"fatal_webhook_url"`
}

// Config is the full engine configuration.
type Config struct {
	Project ProjectConfig `toml:"project"`
	Agents  AgentsConfig  `toml:"agents"`
	Passes  PassesConfig  `toml:"passes"`
	Tracker TrackerConfig `toml:"tracker"`
	Retry   RetryConfig   `toml:"retry"`

	// Runtime-only fields, not part of the TOML file: derived paths and
	// process-level settings. The paths, VCS binary, socket and dashboard
	// address take environment overrides; IdleLoopSleep and InterruptGrace
	// have none and keep their defaults.
	StateDir       string
	TranscriptDir  string
	VCSBinary      string
	ControlSocket  string
	DashboardAddr  string
	IdleLoopSleep  time.Duration
	InterruptGrace time.Duration
}

// Defaults returns a Config with the engine's built-in defaults, the way
// the teacher's Load() seeds every field before applying overrides.
func Defaults() *Config {
	return &Config{
		Project: ProjectConfig{
			Name:     "project",
			BuildCmd: "make build",
			TestCmd:  "make test",
			RepoPath: ".",
		},
		Agents: AgentsConfig{
			Implementer:    "agent-implement",
			Reviewer:       "agent-review",
			TimeoutSeconds: 1800,
			NumWorkers:     4,
		},
		Passes: PassesConfig{
			PlannerEnabled:  true,
			PlannerInterval: 50,
			QualityEnabled:  true,
			QualityInterval: 200,
		},
		Tracker: TrackerConfig{
			Type:     "bd",
			LogPath:  "./tracker.ndjson",
			Command:  "bd",
			SyncFlag: false,
		},
		Retry: RetryConfig{
			DefaultModel:          "default",
			EscalationModel:       "strong",
			EscalateAfterAttempts: 2,
			MaxTotalAttempts:      5,
			BackoffMsInitial:      1000,
			BackoffFactor:         2.0,
		},
		StateDir:       "./.conductor/state",
		TranscriptDir:  "./.conductor/transcripts",
		VCSBinary:      "git",
		ControlSocket:  "./.conductor/control.sock",
		DashboardAddr:  "127.0.0.1:4680",
		IdleLoopSleep:  250 * time.Millisecond,
		InterruptGrace: 30 * time.Second,
	}
}

// Load reads a TOML file at path (if non-empty and it exists) on top of
// Defaults(), then applies environment variable overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the boundary behaviors spec.md §8 names explicitly.
func (c *Config) Validate() error {
	if c.Agents.NumWorkers <= 0 {
		return fmt.Errorf("agents.num_workers must be >= 1, got %d", c.Agents.NumWorkers)
	}
	if c.Retry.MaxTotalAttempts <= 0 {
		return fmt.Errorf("retry.max_total_attempts must be >= 1, got %d", c.Retry.MaxTotalAttempts)
	}
	if c.Retry.EscalateAfterAttempts <= 0 {
		return fmt.Errorf("retry.escalate_after_attempts must be >= 1, got %d", c.Retry.EscalateAfterAttempts)
	}
	if c.Tracker.LogPath == "" {
		return fmt.Errorf("tracker.log_path is required")
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	c.Project.Name = getEnv("CONDUCTOR_PROJECT_NAME", c.Project.Name)
	c.Project.BuildCmd = getEnv("CONDUCTOR_BUILD_CMD", c.Project.BuildCmd)
	c.Project.TestCmd = getEnv("CONDUCTOR_TEST_CMD", c.Project.TestCmd)
	c.Project.RepoPath = getEnv("CONDUCTOR_REPO_PATH", c.Project.RepoPath)

	c.Agents.Implementer = getEnv("CONDUCTOR_IMPLEMENTER", c.Agents.Implementer)
	c.Agents.Reviewer = getEnv("CONDUCTOR_REVIEWER", c.Agents.Reviewer)
	c.Agents.TimeoutSeconds = getEnvInt("CONDUCTOR_AGENT_TIMEOUT", c.Agents.TimeoutSeconds)
	c.Agents.NumWorkers = getEnvInt("CONDUCTOR_NUM_WORKERS", c.Agents.NumWorkers)

	c.Passes.PlannerEnabled = getEnvBool("CONDUCTOR_PLANNER_ENABLED", c.Passes.PlannerEnabled)
	c.Passes.PlannerInterval = getEnvInt("CONDUCTOR_PLANNER_INTERVAL", c.Passes.PlannerInterval)
	c.Passes.QualityEnabled = getEnvBool("CONDUCTOR_QUALITY_ENABLED", c.Passes.QualityEnabled)
	c.Passes.QualityInterval = getEnvInt("CONDUCTOR_QUALITY_INTERVAL", c.Passes.QualityInterval)

	c.Tracker.LogPath = getEnv("CONDUCTOR_TRACKER_LOG", c.Tracker.LogPath)
	c.Tracker.Command = getEnv("CONDUCTOR_TRACKER_CMD", c.Tracker.Command)

	c.Retry.MaxTotalAttempts = getEnvInt("CONDUCTOR_MAX_TOTAL_ATTEMPTS", c.Retry.MaxTotalAttempts)
	c.Retry.FatalWebhookURL = getEnv("CONDUCTOR_FATAL_WEBHOOK_URL", c.Retry.FatalWebhookURL)

	c.StateDir = getEnv("CONDUCTOR_STATE_DIR", c.StateDir)
	c.TranscriptDir = getEnv("CONDUCTOR_TRANSCRIPT_DIR", c.TranscriptDir)
	c.VCSBinary = getEnv("CONDUCTOR_VCS_BINARY", c.VCSBinary)
	c.ControlSocket = getEnv("CONDUCTOR_CONTROL_SOCKET", c.ControlSocket)
	c.DashboardAddr = getEnv("CONDUCTOR_DASHBOARD_ADDR", c.DashboardAddr)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// SplitList splits a comma-separated list, trimming whitespace around and
// dropping empty entries — used by CLI flag parsing for list-valued flags.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
