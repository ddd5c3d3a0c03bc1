package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/eventbus"
	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/statestore"
	"github.com/conductorhq/conductor/internal/tracker"
	"github.com/conductorhq/conductor/internal/trackerstore"
	"github.com/conductorhq/conductor/internal/transcript"
	"github.com/conductorhq/conductor/internal/vcsgateway"
	"github.com/conductorhq/conductor/internal/workerpool"
)

func sleeperScript(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "sleeper.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestLoop(t *testing.T) (*Loop, *statestore.Store, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := statestore.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cache, err := trackerstore.Open(filepath.Join(dir, "tracker.db"))
	if err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "tracker.ndjson")
	if err := os.WriteFile(logPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	trk, err := tracker.New(tracker.Config{LogPath: logPath, Command: "true"}, cache)
	if err != nil {
		t.Fatal(err)
	}

	script := sleeperScript(t, dir)
	cfg := &config.Config{
		Agents: config.AgentsConfig{Implementer: script, Reviewer: script, TimeoutSeconds: 30, NumWorkers: 1},
		Retry:  config.RetryConfig{DefaultModel: "default", EscalationModel: "strong", EscalateAfterAttempts: 2, MaxTotalAttempts: 5},
		Passes: config.PassesConfig{},
	}

	vcs := vcsgateway.New("git", dir)
	// Pre-create the slot's workspace directory so the runner can spawn the
	// test script without a real git worktree backing it.
	if err := os.MkdirAll(vcs.WorkspacePath(0), 0o755); err != nil {
		t.Fatal(err)
	}
	trans := transcript.New(dir, nil)
	pool := workerpool.New(cfg, vcs, trans, 1)
	bus := eventbus.New()

	return New(cfg, store, trk, pool, bus), store, logPath
}

func writeTrackerRecord(t *testing.T, logPath string, issue model.Issue) {
	t.Helper()
	if issue.Status == "" {
		issue.Status = model.IssueOpen
	}
	data, err := json.Marshal(issue)
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		t.Fatal(err)
	}
}

func TestEnqueueCommandAppliesPauseAtNextIteration(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.EnqueueCommand(model.PendingCommand{Kind: model.CmdPause})

	l.applyPendingCommands(context.Background())

	if !l.paused {
		t.Fatal("expected loop to be paused after applying queued pause command")
	}
}

func TestIteratePausedSkipsDispatch(t *testing.T) {
	l, _, _ := newTestLoop(t)
	l.paused = true

	if err := l.iterate(context.Background()); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if !l.pool.IsIdle(0) {
		t.Fatal("paused loop should never dispatch")
	}
}

func TestPickCandidateSkipsAssignedAndTerminalIssues(t *testing.T) {
	l, store, _ := newTestLoop(t)

	assignedSlot := 0
	if err := store.PutIssue(model.IssueRecord{
		Issue: model.Issue{ID: "A-1", Status: model.IssueOpen}, Phase: model.PhaseImplementing, AssignedSlot: &assignedSlot,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutIssue(model.IssueRecord{
		Issue: model.Issue{ID: "A-2", Status: model.IssueOpen}, Phase: model.PhaseCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutIssue(model.IssueRecord{
		Issue: model.Issue{ID: "A-3", Status: model.IssueOpen}, Phase: model.PhasePending,
	}); err != nil {
		t.Fatal(err)
	}

	ready := []model.Issue{{ID: "A-1"}, {ID: "A-2"}, {ID: "A-3"}}
	candidate, rec, err := l.pickCandidate(ready)
	if err != nil {
		t.Fatal(err)
	}
	if candidate == nil || candidate.ID != "A-3" {
		t.Fatalf("expected A-3 as the only eligible candidate, got %+v", candidate)
	}
	if rec.Phase != model.PhasePending {
		t.Fatalf("got phase %s", rec.Phase)
	}
}

func TestPickCandidateLazilyCreatesUnknownIssue(t *testing.T) {
	l, _, _ := newTestLoop(t)
	ready := []model.Issue{{ID: "NEW-1", Status: model.IssueOpen}}

	candidate, rec, err := l.pickCandidate(ready)
	if err != nil {
		t.Fatal(err)
	}
	if candidate == nil || candidate.ID != "NEW-1" {
		t.Fatalf("expected NEW-1 picked, got %+v", candidate)
	}
	if rec.Phase != model.PhasePending {
		t.Fatalf("lazily created record should start pending, got %s", rec.Phase)
	}
}

func TestBackfillIssueRecordsCreatesRecordForNewIssue(t *testing.T) {
	l, store, logPath := newTestLoop(t)
	writeTrackerRecord(t, logPath, model.Issue{ID: "F-1", Title: "newly filed"})

	if err := l.refreshTrackerIfStale(context.Background()); err != nil {
		t.Fatalf("refreshTrackerIfStale: %v", err)
	}

	rec, ok, err := store.GetIssue("F-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected an IssueRecord to exist for F-1 even though no slot dispatched it")
	}
	if rec.Issue.Title != "newly filed" {
		t.Fatalf("got title %q", rec.Issue.Title)
	}
	if rec.Phase != model.PhasePending {
		t.Fatalf("backfilled record should start pending, got %s", rec.Phase)
	}
}

func TestBackfillIssueRecordsLeavesExistingRecordAlone(t *testing.T) {
	l, store, logPath := newTestLoop(t)
	assignedSlot := 0
	if err := store.PutIssue(model.IssueRecord{
		Issue: model.Issue{ID: "F-2"}, Phase: model.PhaseImplementing, AssignedSlot: &assignedSlot,
	}); err != nil {
		t.Fatal(err)
	}
	writeTrackerRecord(t, logPath, model.Issue{ID: "F-2", Title: "already tracked"})

	if err := l.refreshTrackerIfStale(context.Background()); err != nil {
		t.Fatalf("refreshTrackerIfStale: %v", err)
	}

	rec, ok, err := store.GetIssue("F-2")
	if err != nil || !ok {
		t.Fatalf("expected existing record, err=%v", err)
	}
	if rec.Phase != model.PhaseImplementing {
		t.Fatalf("backfill must not clobber an in-flight record, got phase %s", rec.Phase)
	}
}

func TestDispatchIdleSlotsAssignsAndTracksSlot(t *testing.T) {
	l, store, logPath := newTestLoop(t)
	writeTrackerRecord(t, logPath, model.Issue{ID: "B-1", Title: "fix thing", Priority: 1})
	if err := l.tracker.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.dispatchIdleSlots(ctx); err != nil {
		t.Fatalf("dispatchIdleSlots: %v", err)
	}

	if l.pool.IsIdle(0) {
		t.Fatal("slot 0 should be busy after dispatch")
	}

	rec, ok, err := store.GetIssue("B-1")
	if err != nil || !ok {
		t.Fatalf("expected issue record, err=%v", err)
	}
	if rec.Phase != model.PhaseImplementing {
		t.Fatalf("got phase %s", rec.Phase)
	}
	if rec.AssignedSlot == nil || *rec.AssignedSlot != 0 {
		t.Fatalf("expected assigned slot 0, got %v", rec.AssignedSlot)
	}
	if len(rec.Attempts) != 1 {
		t.Fatalf("expected one attempt recorded, got %d", len(rec.Attempts))
	}

	slot, ok, err := store.GetSlot(0)
	if err != nil || !ok {
		t.Fatalf("expected slot record, err=%v", err)
	}
	if slot.State != model.SlotBusy || slot.CurrentIssue != "B-1" {
		t.Fatalf("got slot %+v", slot)
	}

	// A second dispatch pass must not double-assign the same busy slot.
	if err := l.dispatchIdleSlots(ctx); err != nil {
		t.Fatalf("dispatchIdleSlots (second pass): %v", err)
	}

	l.pool.Cancel(0)
}

func TestHandleSlotEventCompletesSuccessfulIssue(t *testing.T) {
	l, store, _ := newTestLoop(t)
	slotID := 0
	if err := store.PutIssue(model.IssueRecord{
		Issue:        model.Issue{ID: "C-1", Status: model.IssueOpen},
		Phase:        model.PhaseReviewing,
		AssignedSlot: &slotID,
		Attempts:     []model.Attempt{{Seq: 1, StartedAt: time.Now().UTC(), ModelTier: "default"}},
	}); err != nil {
		t.Fatal(err)
	}

	l.handleSlotEvent(context.Background(), workerpool.SlotEvent{
		SlotID: slotID, IssueID: "C-1", Outcome: model.OutcomeSuccess,
	})

	rec, ok, err := store.GetIssue("C-1")
	if err != nil || !ok {
		t.Fatalf("expected issue to exist, err=%v", err)
	}
	if rec.Phase != model.PhaseCompleted {
		t.Fatalf("got phase %s", rec.Phase)
	}
	if rec.AssignedSlot != nil {
		t.Fatal("completed issue should have no assigned slot")
	}

	slot, ok, err := store.GetSlot(slotID)
	if err != nil || !ok {
		t.Fatalf("expected slot record, err=%v", err)
	}
	if slot.State != model.SlotIdle {
		t.Fatalf("slot should be freed, got %s", slot.State)
	}

	counters, err := store.GetCounters()
	if err != nil {
		t.Fatal(err)
	}
	if counters.SuccessfulCompletions != 1 {
		t.Fatalf("got %d successful completions", counters.SuccessfulCompletions)
	}
}

func TestHandleSlotEventBlocksAfterRepeatedCrash(t *testing.T) {
	l, store, _ := newTestLoop(t)
	slotID := 0
	if err := store.PutIssue(model.IssueRecord{
		Issue:        model.Issue{ID: "D-1", Status: model.IssueOpen},
		Phase:        model.PhaseImplementing,
		AssignedSlot: &slotID,
		Attempts:     []model.Attempt{{Seq: 1, Outcome: model.OutcomeCrash}, {Seq: 2, StartedAt: time.Now().UTC()}},
	}); err != nil {
		t.Fatal(err)
	}

	l.handleSlotEvent(context.Background(), workerpool.SlotEvent{
		SlotID: slotID, IssueID: "D-1", Outcome: model.OutcomeCrash,
	})

	rec, ok, err := store.GetIssue("D-1")
	if err != nil || !ok {
		t.Fatalf("expected issue to exist, err=%v", err)
	}
	if rec.Phase != model.PhaseBlocked {
		t.Fatalf("got phase %s", rec.Phase)
	}
	if rec.LastErrorKind != "crash" {
		t.Fatalf("got reason %s", rec.LastErrorKind)
	}
}

// submitAndApply issues cmd through Submit and, once it reaches the
// queue, drives applyPendingCommands on this goroutine so the call
// resolves deterministically without racing the Loop's own Run fiber.
func submitAndApply(t *testing.T, l *Loop, ctx context.Context, cmd model.PendingCommand) CommandResult {
	t.Helper()
	resCh := make(chan CommandResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := l.Submit(ctx, cmd)
		resCh <- res
		errCh <- err
	}()
	for {
		l.mu.Lock()
		queued := len(l.pendingQueue) > 0
		l.mu.Unlock()
		if queued {
			break
		}
		time.Sleep(time.Millisecond)
	}
	l.applyPendingCommands(ctx)
	if err := <-errCh; err != nil {
		t.Fatalf("submit: %v", err)
	}
	return <-resCh
}

func TestSubmitReturnsAlreadyPausedOnSecondPause(t *testing.T) {
	l, _, _ := newTestLoop(t)
	ctx := context.Background()

	first := submitAndApply(t, l, ctx, model.PendingCommand{Kind: model.CmdPause})
	if !first.OK || first.Data != nil {
		t.Fatalf("expected plain success on first pause, got %+v", first)
	}

	second := submitAndApply(t, l, ctx, model.PendingCommand{Kind: model.CmdPause})
	if !second.OK || second.Data != "already_paused" {
		t.Fatalf("expected already_paused on second pause, got %+v", second)
	}
}

func TestSubmitFileIssueReturnsNewID(t *testing.T) {
	l, _, _ := newTestLoop(t)
	ctx := context.Background()

	res := submitAndApply(t, l, ctx, model.PendingCommand{
		Kind: model.CmdFileIssue,
		Args: map[string]string{"title": "fix thing", "body": "details"},
	})
	if !res.OK {
		t.Fatalf("expected file_issue to succeed, got %+v", res)
	}
	data, ok := res.Data.(map[string]string)
	if !ok || data["id"] == "" {
		t.Fatalf("expected a new issue id, got %+v", res.Data)
	}
}

func TestAuditLogRecordsEachAppliedCommand(t *testing.T) {
	l, _, _ := newTestLoop(t)
	for i := 0; i < 3; i++ {
		l.EnqueueCommand(model.PendingCommand{Kind: model.CmdStatus})
	}
	l.applyPendingCommands(context.Background())

	log := l.AuditLog()
	if len(log) != 3 {
		t.Fatalf("got %d entries", len(log))
	}
}

func TestStatusReportsPhaseCounts(t *testing.T) {
	l, store, _ := newTestLoop(t)
	if err := store.PutIssue(model.IssueRecord{Issue: model.Issue{ID: "E-1"}, Phase: model.PhasePending}); err != nil {
		t.Fatal(err)
	}
	if err := store.PutIssue(model.IssueRecord{Issue: model.Issue{ID: "E-2"}, Phase: model.PhaseCompleted}); err != nil {
		t.Fatal(err)
	}

	snap, err := l.Status()
	if err != nil {
		t.Fatal(err)
	}
	if snap.PhaseCounts[model.PhasePending] != 1 || snap.PhaseCounts[model.PhaseCompleted] != 1 {
		t.Fatalf("got %v", snap.PhaseCounts)
	}
}
