// Package vcsgateway is a thin, typed wrapper over the external VCS binary
// (git by default): workspace lifecycle, diff summaries, commits, and
// squash-merges into the mainline. It shells out rather than linking a Git
// library, the same way the teacher's workspace layer drives the vcs
// binary directly instead of embedding one.
package vcsgateway

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DiffSummary partitions a workspace's pending changes into disjoint sets.
type DiffSummary struct {
	Modified []string
	Added    []string
	Deleted  []string
}

// Empty reports whether the workspace has no pending changes at all.
func (d DiffSummary) Empty() bool {
	return len(d.Modified) == 0 && len(d.Added) == 0 && len(d.Deleted) == 0
}

// SquashResult reports the outcome of folding a workspace into the
// mainline.
type SquashResult struct {
	OK       bool
	Conflict bool
}

// Gateway mediates all VCS operations for the worker pool's workspaces.
// Mutations into the mainline serialize on mu; operations scoped to a
// single workspace do not contend with each other.
type Gateway struct {
	binary   string
	repoRoot string

	mu sync.Mutex
}

// New constructs a Gateway rooted at repoRoot, driving the given VCS
// binary (normally "git").
func New(binary, repoRoot string) *Gateway {
	if binary == "" {
		binary = "git"
	}
	return &Gateway{binary: binary, repoRoot: repoRoot}
}

// WorkspacePath returns the deterministic workspace path for slot id.
func (g *Gateway) WorkspacePath(slotID int) string {
	return filepath.Join(g.repoRoot, fmt.Sprintf(".worker-%d", slotID))
}

func (g *Gateway) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, g.binary, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CreateWorkspace ensures a workspace exists for slotID and is current with
// the mainline head. Idempotent: an existing, up-to-date workspace is left
// untouched. A stale workspace (parent revision older than mainline head)
// is updated in place. Irrecoverable collisions return a wrapped
// "workspace_creation_failed" error.
func (g *Gateway) CreateWorkspace(ctx context.Context, slotID int) (string, error) {
	path := g.WorkspacePath(slotID)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		stale, err := g.isStale(ctx, path)
		if err != nil {
			return "", fmt.Errorf("workspace_creation_failed: check staleness for slot %d: %w", slotID, err)
		}
		if !stale {
			return path, nil
		}
		if _, stderr, err := g.run(ctx, path, "fetch", "origin"); err != nil {
			return "", fmt.Errorf("workspace_creation_failed: fetch for slot %d: %w: %s", slotID, err, stderr)
		}
		if _, stderr, err := g.run(ctx, path, "reset", "--hard", "origin/HEAD"); err != nil {
			return "", fmt.Errorf("workspace_creation_failed: reset for slot %d: %w: %s", slotID, err, stderr)
		}
		slog.Info("vcs: refreshed stale workspace", "slot", slotID, "path", path)
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("workspace_creation_failed: mkdir for slot %d: %w", slotID, err)
	}
	branch := strings.TrimPrefix(filepath.Base(path), ".")
	if _, stderr, err := g.run(ctx, g.repoRoot, "worktree", "add", "-B", branch, path); err != nil {
		return "", fmt.Errorf("workspace_creation_failed: worktree add for slot %d: %w: %s", slotID, err, stderr)
	}
	slog.Info("vcs: created workspace", "slot", slotID, "path", path)
	return path, nil
}

func (g *Gateway) isStale(ctx context.Context, path string) (bool, error) {
	head, _, err := g.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return false, err
	}
	mainHead, _, err := g.run(ctx, g.repoRoot, "rev-parse", "origin/HEAD")
	if err != nil {
		mainHead, _, err = g.run(ctx, g.repoRoot, "rev-parse", "HEAD")
		if err != nil {
			return false, err
		}
	}
	ancestor, _, err := g.run(ctx, path, "merge-base", "--is-ancestor", strings.TrimSpace(mainHead), strings.TrimSpace(head))
	_ = ancestor
	return err != nil, nil
}

// RemoveWorkspace deletes the workspace at path. Always best-effort: a
// failure here never fails the owning pipeline, only logs.
func (g *Gateway) RemoveWorkspace(ctx context.Context, path string) {
	if _, stderr, err := g.run(ctx, g.repoRoot, "worktree", "remove", "--force", path); err != nil {
		slog.Warn("vcs: worktree remove failed, falling back to rm", "path", path, "error", err, "stderr", stderr)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			slog.Warn("vcs: workspace removal failed", "path", path, "error", rmErr)
		}
	}
}

// DiffSummary parses the VCS status output for path into disjoint file
// sets.
func (g *Gateway) DiffSummary(ctx context.Context, path string) (DiffSummary, error) {
	out, stderr, err := g.run(ctx, path, "status", "--porcelain=v1")
	if err != nil {
		return DiffSummary{}, fmt.Errorf("diff_summary: %w: %s", err, stderr)
	}

	var d DiffSummary
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		code := strings.TrimRight(line[:2], " ")
		file := strings.TrimSpace(line[3:])
		switch {
		case strings.Contains(code, "?") || strings.Contains(code, "A"):
			d.Added = append(d.Added, file)
		case strings.Contains(code, "D"):
			d.Deleted = append(d.Deleted, file)
		default:
			d.Modified = append(d.Modified, file)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	return d, nil
}

// RestorePaths reverts paths to their committed HEAD state, discarding
// whatever an attempt wrote to them outside its declared manifest. Tracked
// paths are checked out from HEAD; paths with no HEAD entry (the agent
// created them) have no checkout target, so they are removed outright via
// clean. This is the manifest_violation rollback primitive spec.md §8
// Scenario 3 requires.
func (g *Gateway) RestorePaths(ctx context.Context, path string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	for _, p := range paths {
		if _, stderr, err := g.run(ctx, path, "checkout", "HEAD", "--", p); err != nil && !strings.Contains(stderr, "did not match any file") {
			return fmt.Errorf("restore_paths: checkout: %w: %s", err, stderr)
		}
	}
	cleanArgs := append([]string{"clean", "-f", "--"}, paths...)
	if _, stderr, err := g.run(ctx, path, cleanArgs...); err != nil {
		return fmt.Errorf("restore_paths: clean: %w: %s", err, stderr)
	}
	return nil
}

// Commit stages all pending changes and commits with message. Returns
// committed=false if the workspace had nothing to commit.
func (g *Gateway) Commit(ctx context.Context, path, message string) (bool, error) {
	summary, err := g.DiffSummary(ctx, path)
	if err != nil {
		return false, err
	}
	if summary.Empty() {
		return false, nil
	}
	if _, stderr, err := g.run(ctx, path, "add", "-A"); err != nil {
		return false, fmt.Errorf("commit: stage: %w: %s", err, stderr)
	}
	if _, stderr, err := g.run(ctx, path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w: %s", err, stderr)
	}
	return true, nil
}

// SquashIntoMain serializes on the gateway's mainline mutex and folds the
// workspace's committed changes into the mainline as a single squash
// commit. Conflict=true when the tool reports textual conflict markers;
// ok=false, conflict=false for any other tool error.
func (g *Gateway) SquashIntoMain(ctx context.Context, path, message string) (SquashResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	branch := strings.TrimPrefix(filepath.Base(path), ".")
	if out, stderr, err := g.run(ctx, g.repoRoot, "merge", "--squash", branch); err != nil {
		if strings.Contains(out+stderr, "CONFLICT") || strings.Contains(out+stderr, "conflict") {
			if _, _, abortErr := g.run(ctx, g.repoRoot, "merge", "--abort"); abortErr != nil {
				slog.Warn("vcs: merge --abort failed after conflict", "error", abortErr)
			}
			return SquashResult{OK: false, Conflict: true}, nil
		}
		return SquashResult{OK: false, Conflict: false}, fmt.Errorf("squash_into_main: %w: %s", err, stderr)
	}
	if _, stderr, err := g.run(ctx, g.repoRoot, "commit", "-m", message); err != nil {
		return SquashResult{OK: false, Conflict: false}, fmt.Errorf("squash_into_main: commit: %w: %s", err, stderr)
	}
	return SquashResult{OK: true}, nil
}

// ListOrphanWorkspaces returns worktree directories under repoRoot that do
// not correspond to any of the given live slot ids, for startup reaping.
func (g *Gateway) ListOrphanWorkspaces(ctx context.Context, liveSlots []int) ([]string, error) {
	out, stderr, err := g.run(ctx, g.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list_orphan_workspaces: %w: %s", err, stderr)
	}

	live := make(map[string]bool, len(liveSlots))
	for _, id := range liveSlots {
		live[g.WorkspacePath(id)] = true
	}

	var orphans []string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if path == g.repoRoot {
			continue
		}
		if !strings.Contains(filepath.Base(path), ".worker-") {
			continue
		}
		if !live[path] {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}
