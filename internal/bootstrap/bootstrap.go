// Package bootstrap wires the engine's subsystems into a single top-level
// Engine handle and performs the crash-recovery reconciliation spec.md §3
// and §8 require at startup: re-deriving WorkerSlot state from the State
// Store plus VCS workspace inspection, releasing any merge lock left
// behind by a slot that was not actually mid-merge, and reaping orphaned
// VCS workspaces. Per spec.md §9's "best-effort process-wide registries"
// redesign note, this Engine struct is the one place cross-subsystem
// references live; nothing reaches another subsystem through a global.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/controlserver"
	"github.com/conductorhq/conductor/internal/dashboardgw"
	"github.com/conductorhq/conductor/internal/eventbus"
	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/scheduler"
	"github.com/conductorhq/conductor/internal/statestore"
	"github.com/conductorhq/conductor/internal/tracker"
	"github.com/conductorhq/conductor/internal/trackerstore"
	"github.com/conductorhq/conductor/internal/transcript"
	"github.com/conductorhq/conductor/internal/vcsgateway"
	"github.com/conductorhq/conductor/internal/workerpool"
)

// Engine holds every subsystem handle the CLI's "run" and "serve" commands
// need, constructed in dependency order and torn down in the reverse.
type Engine struct {
	Config       *config.Config
	Store        *statestore.Store
	TrackerCache *trackerstore.Store
	Tracker      *tracker.Adapter
	VCS          *vcsgateway.Gateway
	Transcript   *transcript.Store
	Bus          *eventbus.Bus
	Pool         *workerpool.Pool
	Loop         *scheduler.Loop
	Control      *controlserver.Server
	Dashboard    *dashboardgw.Gateway
}

// New constructs every subsystem and performs startup reconciliation, but
// does not yet start the tracker watcher, the scheduler loop, or either
// server — callers (cmd/conductor's run command, or a test) decide which of
// those to start.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	store, err := statestore.Open(cfg.StateDir)
	if err != nil {
		// spec.md §4.E: if load fails the engine refuses to start.
		return nil, fmt.Errorf("bootstrap: open state store: %w", err)
	}

	trackerCache, err := trackerstore.Open(cfg.StateDir + ".tracker")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("bootstrap: open tracker cache: %w", err)
	}

	trk, err := tracker.New(tracker.Config{
		LogPath: cfg.Tracker.LogPath,
		Command: cfg.Tracker.Command,
	}, trackerCache)
	if err != nil {
		store.Close()
		trackerCache.Close()
		return nil, fmt.Errorf("bootstrap: construct tracker adapter: %w", err)
	}

	vcs := vcsgateway.New(cfg.VCSBinary, cfg.Project.RepoPath)
	bus := eventbus.New()
	trans := transcript.New(cfg.TranscriptDir, bus)
	pool := workerpool.New(cfg, vcs, trans, cfg.Agents.NumWorkers)

	if err := pool.Reconcile(ctx); err != nil {
		store.Close()
		trackerCache.Close()
		return nil, fmt.Errorf("bootstrap: reconcile worker pool: %w", err)
	}

	if err := reconcileSlots(store, pool); err != nil {
		store.Close()
		trackerCache.Close()
		return nil, fmt.Errorf("bootstrap: reconcile slot state: %w", err)
	}

	if err := releaseOrphanLocks(store); err != nil {
		store.Close()
		trackerCache.Close()
		return nil, fmt.Errorf("bootstrap: release orphan locks: %w", err)
	}

	loop := scheduler.New(cfg, store, trk, pool, bus)
	control := controlserver.New(cfg.ControlSocket, loop)
	dashboard := dashboardgw.New(cfg.DashboardAddr, store, loop, trans, bus)

	return &Engine{
		Config:       cfg,
		Store:        store,
		TrackerCache: trackerCache,
		Tracker:      trk,
		VCS:          vcs,
		Transcript:   trans,
		Bus:          bus,
		Pool:         pool,
		Loop:         loop,
		Control:      control,
		Dashboard:    dashboard,
	}, nil
}

// reconcileSlots re-derives each configured WorkerSlot's persisted state
// from the pool's in-memory reconciliation: every slot starts idle on a
// fresh process regardless of what the State Store recorded before the
// crash, since no slot driver goroutine survives a restart. Per spec.md
// §8's crash-recovery idempotence property, this also clears AssignedSlot
// on any IssueRecord that referenced a slot which is no longer mid-attempt,
// returning it to pending so the Scheduler can re-dispatch it.
func reconcileSlots(store *statestore.Store, pool *workerpool.Pool) error {
	for _, slot := range pool.Slots() {
		if err := store.PutSlot(model.WorkerSlot{
			ID:            slot.ID,
			State:         model.SlotIdle,
			WorkspacePath: slot.WorkspacePath,
		}); err != nil {
			return fmt.Errorf("reset slot %d: %w", slot.ID, err)
		}
	}

	recs, err := store.ListIssues()
	if err != nil {
		return fmt.Errorf("list issues: %w", err)
	}
	for _, rec := range recs {
		if rec.AssignedSlot == nil {
			continue
		}
		switch rec.Phase {
		case model.PhaseCompleted, model.PhaseBlocked, model.PhaseFailed:
			continue
		}
		slog.Info("bootstrap: returning orphaned in-flight issue to pending", "issue", rec.Issue.ID, "phase", rec.Phase)
		rec.AssignedSlot = nil
		rec.Phase = model.PhasePending
		if err := store.PutIssue(rec); err != nil {
			return fmt.Errorf("requeue issue %s: %w", rec.Issue.ID, err)
		}
	}
	return nil
}

// releaseOrphanLocks implements spec.md §3's "Locks are volatile; on
// restart, any lock referencing a non-merging slot is released" rule.
// Merge serialization itself is enforced in-process by the VCS Gateway's
// mainline mutex (spec.md §4.B); the persisted Lock record exists purely
// for crash-recovery observability, so after a restart no slot can
// legitimately still be mid-merge and every lock is released.
func releaseOrphanLocks(store *statestore.Store) error {
	locks, err := store.ListLocks()
	if err != nil {
		return fmt.Errorf("list locks: %w", err)
	}
	for _, lock := range locks {
		slog.Info("bootstrap: releasing orphan lock", "resource", lock.Resource, "holder", lock.HolderSlot)
		if err := store.DeleteLock(lock.Resource); err != nil {
			return fmt.Errorf("release lock %s: %w", lock.Resource, err)
		}
	}
	return nil
}

// Close tears down every subsystem in reverse construction order. The
// Control Server and Dashboard Gateway are stopped by their own Serve
// context cancellation; Close only releases the on-disk stores.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.TrackerCache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
