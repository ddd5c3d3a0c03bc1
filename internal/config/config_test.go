package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Agents.NumWorkers != 4 {
		t.Fatalf("expected default num_workers=4, got %d", cfg.Agents.NumWorkers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate, got %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Agents.NumWorkers != 4 {
		t.Fatalf("expected defaults preserved, got %d", cfg.Agents.NumWorkers)
	}
}

func TestLoadParsesTOMLSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.toml")
	contents := `
[project]
name = "widgets"
build_cmd = "go build ./..."
test_cmd = "go test ./..."

[agents]
implementer = "claude-code"
reviewer = "claude-code-review"
num_workers = 8
timeout_seconds = 900

[passes]
planner_enabled = false
quality_interval = 77

[tracker]
log_path = "/var/lib/tracker.ndjson"

[retry]
max_total_attempts = 9
escalate_after_attempts = 3
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Project.Name != "widgets" {
		t.Errorf("project.name = %q, want widgets", cfg.Project.Name)
	}
	if cfg.Agents.NumWorkers != 8 {
		t.Errorf("agents.num_workers = %d, want 8", cfg.Agents.NumWorkers)
	}
	if cfg.Passes.PlannerEnabled {
		t.Errorf("passes.planner_enabled should be false")
	}
	if cfg.Passes.QualityInterval != 77 {
		t.Errorf("passes.quality_interval = %d, want 77", cfg.Passes.QualityInterval)
	}
	if cfg.Tracker.LogPath != "/var/lib/tracker.ndjson" {
		t.Errorf("tracker.log_path = %q", cfg.Tracker.LogPath)
	}
	if cfg.Retry.MaxTotalAttempts != 9 {
		t.Errorf("retry.max_total_attempts = %d, want 9", cfg.Retry.MaxTotalAttempts)
	}
}

func TestLoadEnvOverridesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.toml")
	if err := os.WriteFile(path, []byte("[agents]\nnum_workers = 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONDUCTOR_NUM_WORKERS", "16")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Agents.NumWorkers != 16 {
		t.Errorf("env override ignored: num_workers = %d, want 16", cfg.Agents.NumWorkers)
	}
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg := Defaults()
	cfg.Agents.NumWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for num_workers=0")
	}
}

func TestSplitList(t *testing.T) {
	got := SplitList(" a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
