// Package tracker is the Tracker Adapter (spec.md §4.C): a read-only
// materialized view over the external tracker's append-only
// newline-delimited record file, refreshed on demand or on file-change
// notification, plus write-through mutation calls that invoke the
// tracker's sibling CLI (`bd` by default) and only touch the local mirror
// once the external call has succeeded.
package tracker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/retry"
	"github.com/conductorhq/conductor/internal/trackerstore"
)

// record is one newline-delimited entry in the tracker's append-only log.
// Non-issue records (comments, status changes recorded by other tools) are
// skipped rather than failing the whole parse, per the "skip unparsable,
// continue with previous mirror" error policy (spec.md §7).
type record struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	AcceptanceCriteria string            `json:"acceptanceCriteria"`
	Priority           int               `json:"priority"`
	Status             string            `json:"status"`
	Blockers           []string          `json:"blockers"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	Extra              map[string]string `json:"extra,omitempty"`
}

// Config configures the adapter.
type Config struct {
	LogPath    string
	Command    string
	RetryCfg   retry.Config
	WatchDelay time.Duration // debounce window for fsnotify coalescing
}

// Adapter maintains the in-memory/SQLite materialized view of the
// tracker and forwards mutations to the tracker CLI.
type Adapter struct {
	cfg   Config
	cache *trackerstore.Store

	mu           sync.RWMutex
	lastModified time.Time
	unparsable   int64

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// New constructs an Adapter backed by cache (see internal/trackerstore),
// performing an initial refresh before returning.
func New(cfg Config, cache *trackerstore.Store) (*Adapter, error) {
	if cfg.Command == "" {
		cfg.Command = "bd"
	}
	if cfg.WatchDelay <= 0 {
		cfg.WatchDelay = 200 * time.Millisecond
	}
	a := &Adapter{cfg: cfg, cache: cache, stopCh: make(chan struct{})}

	if err := a.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

// WatchForChanges starts a background fsnotify watch on the tracker log's
// directory, triggering Refresh (debounced) whenever the file changes.
// Watching the directory rather than the file handles editors/tools that
// replace the file via rename rather than in-place write. If the watcher
// cannot be created, this degrades to refresh-on-demand only.
func (a *Adapter) WatchForChanges(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("tracker: cannot start file watcher, refresh-on-demand only", "error", err)
		return
	}
	a.watcher = watcher

	dir := parentDir(a.cfg.LogPath)
	if err := watcher.Add(dir); err != nil {
		slog.Warn("tracker: cannot watch directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, baseName(a.cfg.LogPath)) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(a.cfg.WatchDelay, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				if err := a.Refresh(ctx); err != nil {
					slog.Warn("tracker: refresh on file change failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("tracker: watcher error", "error", err)
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears down the background watcher, if any.
func (a *Adapter) Stop() {
	close(a.stopCh)
}

// Refresh reparses the tracker log file and wholesale-replaces the mirror
// cache. Skips (and counts) records that fail to parse rather than
// aborting the whole refresh, preserving the previous mirror's coverage
// for everything that did parse.
func (a *Adapter) Refresh(ctx context.Context) error {
	f, err := os.Open(a.cfg.LogPath)
	if os.IsNotExist(err) {
		// No tracker data yet; treat as an empty backlog rather than an error.
		return a.cache.ReplaceAll(nil)
	}
	if err != nil {
		return fmt.Errorf("tracker: open %s: %w", a.cfg.LogPath, err)
	}
	defer f.Close()

	var issues []model.Issue
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			a.mu.Lock()
			a.unparsable++
			a.mu.Unlock()
			slog.Warn("tracker: skipping unparsable record", "line", lineNo, "error", err)
			continue
		}
		if rec.ID == "" {
			continue
		}
		issues = append(issues, record2issue(rec))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("tracker: scan %s: %w", a.cfg.LogPath, err)
	}

	// For each id the record with the latest updatedAt wins; among records
	// with equal updatedAt, the later line in the log wins.
	issues = dedupeLatest(issues)

	if err := a.cache.ReplaceAll(issues); err != nil {
		return fmt.Errorf("tracker: replace mirror: %w", err)
	}

	if info, statErr := os.Stat(a.cfg.LogPath); statErr == nil {
		a.mu.Lock()
		a.lastModified = info.ModTime()
		a.mu.Unlock()
	}
	return nil
}

// UnparsableCount reports how many records have failed to parse across the
// adapter's lifetime, for metrics.
func (a *Adapter) UnparsableCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.unparsable
}

func dedupeLatest(issues []model.Issue) []model.Issue {
	byID := make(map[string]model.Issue, len(issues))
	for _, issue := range issues {
		if existing, ok := byID[issue.ID]; !ok || issue.UpdatedAt.After(existing.UpdatedAt) || issue.UpdatedAt.Equal(existing.UpdatedAt) {
			byID[issue.ID] = issue
		}
	}
	out := make([]model.Issue, 0, len(byID))
	for _, issue := range byID {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func record2issue(r record) model.Issue {
	status := model.IssueStatus(r.Status)
	if status == "" {
		status = model.IssueOpen
	}
	return model.Issue{
		ID:                 r.ID,
		Title:              r.Title,
		Description:        r.Description,
		AcceptanceCriteria: r.AcceptanceCriteria,
		Priority:           r.Priority,
		Status:             status,
		Blockers:           r.Blockers,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		Extra:              r.Extra,
	}
}

// ListReady returns mirrored issues that are open and whose declared
// blockers are all closed — the Scheduler's dispatch candidate pool.
func (a *Adapter) ListReady() ([]model.Issue, error) {
	all, err := a.cache.List()
	if err != nil {
		return nil, err
	}
	closed := make(map[string]bool, len(all))
	for _, issue := range all {
		if issue.Status == model.IssueClosed {
			closed[issue.ID] = true
		}
	}

	var ready []model.Issue
	for _, issue := range all {
		if issue.Status != model.IssueOpen {
			continue
		}
		blocked := false
		for _, b := range issue.Blockers {
			if !closed[b] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, issue)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// Get returns a single mirrored issue.
func (a *Adapter) Get(id string) (model.Issue, bool, error) {
	return a.cache.Get(id)
}

// List returns the entire mirror, for list_issues and the dashboard.
func (a *Adapter) List() ([]model.Issue, error) {
	return a.cache.List()
}

// Create invokes the tracker's create command and returns the new issue's
// id as emitted on stdout. The local mirror is not updated directly —
// callers should Refresh (or rely on the file watcher) to observe it.
func (a *Adapter) Create(ctx context.Context, title, body string, labels []string) (string, error) {
	args := []string{"create", "--title", title, "--body", body}
	for _, l := range labels {
		args = append(args, "--label", l)
	}

	var id string
	err := retry.Do(ctx, a.cfg.RetryCfg, "tracker.create", func(ctx context.Context) error {
		out, err := a.exec(ctx, args...)
		if err != nil {
			return fmt.Errorf("tracker create: %w", err)
		}
		id = strings.TrimSpace(out)
		if id == "" {
			return retry.Permanent(fmt.Errorf("tracker create: empty id in output"))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Comment invokes the tracker's comment command, then appends to the local
// comment mirror. On tracker failure, the mirror is left untouched.
func (a *Adapter) Comment(ctx context.Context, id, author, body string) error {
	err := retry.Do(ctx, a.cfg.RetryCfg, "tracker.comment", func(ctx context.Context) error {
		_, err := a.exec(ctx, "comment", id, "--author", author, "--body", body)
		return err
	})
	if err != nil {
		return fmt.Errorf("tracker: comment %s: %w", id, err)
	}
	return a.cache.AppendComment(id, trackerstoreComment(author, body))
}

// Update invokes the tracker's update command with a partial field set
// (empty string clears a field), then triggers a refresh so the mirror
// reflects it.
func (a *Adapter) Update(ctx context.Context, id string, fields map[string]string) error {
	args := []string{"update", id}
	for k, v := range fields {
		args = append(args, fmt.Sprintf("--%s=%s", k, v))
	}
	err := retry.Do(ctx, a.cfg.RetryCfg, "tracker.update", func(ctx context.Context) error {
		_, err := a.exec(ctx, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("tracker: update %s: %w", id, err)
	}
	return a.Refresh(ctx)
}

// Close invokes the tracker's close command, called by the merge stage on
// success (spec.md §2 data flow).
func (a *Adapter) Close(ctx context.Context, id string) error {
	err := retry.Do(ctx, a.cfg.RetryCfg, "tracker.close", func(ctx context.Context) error {
		_, err := a.exec(ctx, "close", id)
		return err
	})
	if err != nil {
		return fmt.Errorf("tracker: close %s: %w", id, err)
	}
	return a.Refresh(ctx)
}

func (a *Adapter) exec(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.Dir = parentDir(a.cfg.LogPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func trackerstoreComment(author, body string) trackerstore.Comment {
	return trackerstore.Comment{Author: author, Body: body, At: time.Now().UTC()}
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func baseName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
