package vcsgateway

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "-A")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestWorkspacePathIsDeterministic(t *testing.T) {
	g := New("git", "/repo")
	if g.WorkspacePath(3) != g.WorkspacePath(3) {
		t.Fatal("workspace path should be deterministic for a given slot")
	}
	if g.WorkspacePath(1) == g.WorkspacePath(2) {
		t.Fatal("distinct slots must have distinct workspace paths")
	}
}

func TestCreateWorkspaceIdempotent(t *testing.T) {
	dir := initRepo(t)
	g := New("git", dir)
	ctx := context.Background()

	path1, err := g.CreateWorkspace(ctx, 0)
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if _, err := os.Stat(path1); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}

	path2, err := g.CreateWorkspace(ctx, 0)
	if err != nil {
		t.Fatalf("CreateWorkspace (idempotent call): %v", err)
	}
	if path1 != path2 {
		t.Fatalf("expected stable path, got %q then %q", path1, path2)
	}
}

func TestCommitNoChangesReturnsFalse(t *testing.T) {
	dir := initRepo(t)
	g := New("git", dir)
	committed, err := g.Commit(context.Background(), dir, "noop")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed {
		t.Fatal("expected committed=false for a clean workspace")
	}
}

func TestCommitWithChanges(t *testing.T) {
	dir := initRepo(t)
	g := New("git", dir)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	committed, err := g.Commit(context.Background(), dir, "add file")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if !committed {
		t.Fatal("expected committed=true")
	}
}

func TestRestorePathsRevertsTrackedFile(t *testing.T) {
	dir := initRepo(t)
	g := New("git", dir)
	readmePath := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readmePath, []byte("tampered\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := g.RestorePaths(context.Background(), dir, []string{"README.md"}); err != nil {
		t.Fatalf("RestorePaths: %v", err)
	}
	content, err := os.ReadFile(readmePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "hello\n" {
		t.Fatalf("expected README.md reverted to committed content, got %q", content)
	}
}

func TestRestorePathsRemovesUntrackedFile(t *testing.T) {
	dir := initRepo(t)
	g := New("git", dir)
	strayPath := filepath.Join(dir, "stray.txt")
	if err := os.WriteFile(strayPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := g.RestorePaths(context.Background(), dir, []string{"stray.txt"}); err != nil {
		t.Fatalf("RestorePaths: %v", err)
	}
	if _, err := os.Stat(strayPath); !os.IsNotExist(err) {
		t.Fatalf("expected stray.txt to be removed, stat err = %v", err)
	}
}

func TestRestorePathsEmptyIsNoOp(t *testing.T) {
	dir := initRepo(t)
	g := New("git", dir)
	if err := g.RestorePaths(context.Background(), dir, nil); err != nil {
		t.Fatalf("RestorePaths with no paths should be a no-op, got %v", err)
	}
}

func TestDiffSummaryClassifiesAdded(t *testing.T) {
	dir := initRepo(t)
	g := New("git", dir)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	summary, err := g.DiffSummary(context.Background(), dir)
	if err != nil {
		t.Fatalf("DiffSummary: %v", err)
	}
	if len(summary.Added) != 1 || summary.Added[0] != "new.txt" {
		t.Fatalf("expected new.txt in Added, got %+v", summary)
	}
}
