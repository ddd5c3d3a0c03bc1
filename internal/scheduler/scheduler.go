// Package scheduler is the Scheduler / Loop (spec.md §4.I): the single
// control fiber that owns every State Store write, dispatches ready
// issues to idle worker slots, advances the per-issue lifecycle state
// machine as slots report outcomes, and periodically runs the planner and
// quality meta-passes. It never blocks on agent I/O itself — that only
// happens inside the Worker Pool's slot drivers and the Process Runner.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/eventbus"
	"github.com/conductorhq/conductor/internal/lifecycle"
	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/notify"
	"github.com/conductorhq/conductor/internal/runner"
	"github.com/conductorhq/conductor/internal/statestore"
	"github.com/conductorhq/conductor/internal/tracker"
	"github.com/conductorhq/conductor/internal/workerpool"
)

// MaxCommandAuditHistory bounds the Control Server's accepted-command
// audit trail (spec.md §4.F).
const MaxCommandAuditHistory = 100

// Loop is the engine's single control fiber.
type Loop struct {
	cfg       *config.Config
	store     *statestore.Store
	tracker   *tracker.Adapter
	pool      *workerpool.Pool
	bus       *eventbus.Bus
	lifecycle *lifecycle.Engine
	notifier  *notify.Notifier

	// mu guards every field below that the Control Server's per-connection
	// goroutines touch concurrently with the Loop's own Run goroutine:
	// paused, pendingQueue, auditLog, and results. iteration is only ever
	// read back through Status, so it rides along under the same lock.
	mu        sync.Mutex
	paused    bool
	iteration int64

	// plannerSchedule/qualitySchedule are set only when the corresponding
	// [passes] *_cron field parses; otherwise the plain iteration-count
	// interval (planner_interval/quality_interval) governs cadence.
	plannerSchedule cron.Schedule
	qualitySchedule cron.Schedule
	lastPlannerRun  time.Time
	lastQualityRun  time.Time

	pendingQueue []model.PendingCommand
	auditLog     []model.PendingCommand
	results      map[string]chan CommandResult

	fatalCh chan error
}

// CommandResult is the outcome of a control-plane command once the Loop
// has applied it at a safe point, per spec.md §4.F's response shape.
type CommandResult struct {
	OK    bool
	Data  any
	Error string
}

// New constructs a Loop. Callers must have already reconciled the Worker
// Pool's workspaces (see internal/bootstrap) before calling Run.
func New(cfg *config.Config, store *statestore.Store, trk *tracker.Adapter, pool *workerpool.Pool, bus *eventbus.Bus) *Loop {
	l := &Loop{
		cfg:       cfg,
		store:     store,
		tracker:   trk,
		pool:      pool,
		bus:       bus,
		lifecycle: lifecycle.New(cfg.Retry),
		notifier:  notify.New(cfg.Retry.FatalWebhookURL),
		fatalCh:   make(chan error, 1),
	}
	if cfg.Passes.PlannerCron != "" {
		if sched, err := cron.ParseStandard(cfg.Passes.PlannerCron); err == nil {
			l.plannerSchedule = sched
		} else {
			slog.Warn("scheduler: invalid planner_cron, falling back to planner_interval", "cron", cfg.Passes.PlannerCron, "error", err)
		}
	}
	if cfg.Passes.QualityCron != "" {
		if sched, err := cron.ParseStandard(cfg.Passes.QualityCron); err == nil {
			l.qualitySchedule = sched
		} else {
			slog.Warn("scheduler: invalid quality_cron, falling back to quality_interval", "cron", cfg.Passes.QualityCron, "error", err)
		}
	}
	return l
}

// EnqueueCommand queues a control-plane request for application at the
// next safe point between iterations, per spec.md §4.F/§5. Fire-and-
// forget: callers that need the applied result (e.g. the Control Server)
// should use Submit instead.
func (l *Loop) EnqueueCommand(cmd model.PendingCommand) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.pendingQueue = append(l.pendingQueue, cmd)
	l.mu.Unlock()
	if err := l.store.AppendPendingCommand(cmd); err != nil {
		slog.Error("scheduler: failed to persist pending command", "error", err)
	}
}

// Submit enqueues cmd and blocks until the Loop applies it at the next
// safe point between iterations or ctx is cancelled, returning the
// applied result. The Control Server uses this for every op except status
// and sync, which it answers directly.
func (l *Loop) Submit(ctx context.Context, cmd model.PendingCommand) (CommandResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	ch := make(chan CommandResult, 1)

	l.mu.Lock()
	if l.results == nil {
		l.results = make(map[string]chan CommandResult)
	}
	l.results[cmd.ID] = ch
	l.mu.Unlock()

	l.EnqueueCommand(cmd)

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.results, cmd.ID)
		l.mu.Unlock()
		return CommandResult{}, ctx.Err()
	}
}

// StatusSnapshot is the non-blocking read returned by the "status" command
// and the dashboard's /api/status endpoint.
type StatusSnapshot struct {
	Paused      bool                  `json:"paused"`
	Iteration   int64                 `json:"iteration"`
	Counters    model.Counters        `json:"counters"`
	Slots       []model.WorkerSlot    `json:"slots"`
	PhaseCounts map[model.Phase]int   `json:"phaseCounts"`
	Version     uint64                `json:"version"`
}

// Sync forces an immediate Tracker Adapter refresh outside of the Loop's
// normal per-iteration cadence, for the `conductor sync` CLI subcommand.
// Safe to call concurrently with Run: the Adapter guards its own mirror.
func (l *Loop) Sync(ctx context.Context) error {
	return l.tracker.Refresh(ctx)
}

// Status returns a point-in-time snapshot. It never touches the pool or
// tracker, only the State Store, so it cannot block behind a wedged
// pipeline step — the Control Server layers its own 500ms timeout on top.
func (l *Loop) Status() (StatusSnapshot, error) {
	snap, err := l.store.Snapshot()
	if err != nil {
		return StatusSnapshot{}, err
	}
	counts := make(map[model.Phase]int)
	for _, rec := range snap.Issues {
		counts[rec.Phase]++
	}
	l.mu.Lock()
	paused, iteration := l.paused, l.iteration
	l.mu.Unlock()
	return StatusSnapshot{
		Paused:      paused,
		Iteration:   iteration,
		Counters:    snap.Counters,
		Slots:       snap.Slots,
		PhaseCounts: counts,
		Version:     snap.Version,
	}, nil
}

// Fatal returns a channel that receives the engine's fatal error, if the
// loop ever halts per spec.md §7's "halted state" policy.
func (l *Loop) Fatal() <-chan error {
	return l.fatalCh
}

// Run executes the control loop until ctx is cancelled or a fatal error
// halts it. maxIterations <= 0 means run indefinitely.
func (l *Loop) Run(ctx context.Context, maxIterations int) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.mu.Lock()
		iteration := l.iteration
		l.mu.Unlock()
		if maxIterations > 0 && iteration >= int64(maxIterations) {
			return nil
		}

		if err := l.iterate(ctx); err != nil {
			l.haltFatal(err)
			return err
		}
		l.mu.Lock()
		l.iteration++
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.sleepDuration()):
		}
	}
}

func (l *Loop) sleepDuration() time.Duration {
	d := l.cfg.IdleLoopSleep
	if d <= 0 || d > 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}

func (l *Loop) haltFatal(err error) {
	slog.Error("scheduler: fatal error, halting engine", "error", err)
	l.notifier.Notify(context.Background(), notify.HaltEntry{
		Message:   err.Error(),
		Iteration: l.iteration,
		Timestamp: time.Now().UTC(),
	})
	select {
	case l.fatalCh <- err:
	default:
	}
}

// iterate runs exactly one pass of the ten numbered steps in spec.md
// §4.I.
func (l *Loop) iterate(ctx context.Context) error {
	l.applyPendingCommands(ctx) // 1

	if err := l.refreshTrackerIfStale(ctx); err != nil { // 2
		slog.Warn("scheduler: tracker refresh failed", "error", err)
	}

	if l.paused { // 3
		return nil
	}

	if err := l.dispatchIdleSlots(ctx); err != nil { // 4
		return err
	}

	l.drainSlotEvents(ctx) // 5, 6

	if l.cfg.Passes.PlannerEnabled && l.plannerDue() { // 7
		l.runMetaPass(ctx, "planner", l.cfg.Agents.Implementer)
		l.lastPlannerRun = time.Now().UTC()
	}
	if l.cfg.Passes.QualityEnabled && l.qualityDue() { // 8
		l.runMetaPass(ctx, "quality", l.cfg.Agents.Reviewer)
		l.lastQualityRun = time.Now().UTC()
	}

	return l.persistCounters() // 9, 10 (broadcast happens inside persistCounters)
}

// applyPendingCommands drains the queue, applying each command in FIFO
// order. This is the only place paused, resume, and interrupt are acted
// on, matching the "safe point between iterations" rule.
func (l *Loop) applyPendingCommands(ctx context.Context) {
	l.mu.Lock()
	queue := l.pendingQueue
	l.pendingQueue = nil
	l.mu.Unlock()

	for _, cmd := range queue {
		res := l.applyCommand(ctx, cmd)

		l.mu.Lock()
		l.auditLog = append(l.auditLog, cmd)
		if len(l.auditLog) > MaxCommandAuditHistory {
			l.auditLog = l.auditLog[len(l.auditLog)-MaxCommandAuditHistory:]
		}
		if ch, ok := l.results[cmd.ID]; ok {
			ch <- res
			delete(l.results, cmd.ID)
		}
		l.mu.Unlock()

		if err := l.store.ClearPendingCommand(cmd.ID); err != nil {
			slog.Warn("scheduler: failed to clear applied command", "id", cmd.ID, "error", err)
		}
	}
}

// applyCommand applies a single command and returns the result that
// Submit's caller (typically the Control Server) is waiting on. pause
// and resume report "already_paused"/"not_paused" in Data per spec.md
// §4.F when the flag was already in the requested state.
func (l *Loop) applyCommand(ctx context.Context, cmd model.PendingCommand) CommandResult {
	switch cmd.Kind {
	case model.CmdPause:
		l.mu.Lock()
		already := l.paused
		l.paused = true
		l.mu.Unlock()
		if already {
			return CommandResult{OK: true, Data: "already_paused"}
		}
		return CommandResult{OK: true}
	case model.CmdResume:
		l.mu.Lock()
		was := l.paused
		l.paused = false
		l.mu.Unlock()
		if !was {
			return CommandResult{OK: true, Data: "not_paused"}
		}
		return CommandResult{OK: true}
	case model.CmdInterrupt:
		l.pool.Drain()
		return CommandResult{OK: true}
	case model.CmdFileIssue:
		id, err := l.tracker.Create(ctx, cmd.Args["title"], cmd.Args["body"], config.SplitList(cmd.Args["labels"]))
		if err != nil {
			slog.Error("scheduler: file_issue failed", "error", err)
			return CommandResult{OK: false, Error: err.Error()}
		}
		return CommandResult{OK: true, Data: map[string]string{"id": id}}
	case model.CmdCommentIssue:
		if err := l.tracker.Comment(ctx, cmd.Args["id"], cmd.Args["author"], cmd.Args["body"]); err != nil {
			slog.Error("scheduler: comment_issue failed", "error", err)
			return CommandResult{OK: false, Error: err.Error()}
		}
		return CommandResult{OK: true}
	case model.CmdUpdateIssue:
		fields := make(map[string]string, len(cmd.Args))
		for k, v := range cmd.Args {
			if k == "id" {
				continue
			}
			fields[k] = v
		}
		if err := l.tracker.Update(ctx, cmd.Args["id"], fields); err != nil {
			slog.Error("scheduler: update_issue failed", "error", err)
			return CommandResult{OK: false, Error: err.Error()}
		}
		return CommandResult{OK: true}
	case model.CmdInspectIssue:
		rec, ok, err := l.store.GetIssue(cmd.Args["id"])
		if err != nil {
			return CommandResult{OK: false, Error: err.Error()}
		}
		if !ok {
			return CommandResult{OK: false, Error: "not_found"}
		}
		return CommandResult{OK: true, Data: rec}
	case model.CmdListIssues:
		recs, err := l.store.ListIssues()
		if err != nil {
			return CommandResult{OK: false, Error: err.Error()}
		}
		return CommandResult{OK: true, Data: recs}
	case model.CmdStatus:
		snap, err := l.Status()
		if err != nil {
			return CommandResult{OK: false, Error: err.Error()}
		}
		return CommandResult{OK: true, Data: snap}
	}
	return CommandResult{OK: false, Error: "unknown command kind"}
}

func (l *Loop) refreshTrackerIfStale(ctx context.Context) error {
	if err := l.tracker.Refresh(ctx); err != nil {
		return err
	}
	return l.backfillIssueRecords()
}

// backfillIssueRecords ensures every issue the tracker mirror currently
// knows about has a persisted IssueRecord, independent of whether any slot
// is free to dispatch it. Without this, a just-filed issue has no record
// until dispatchIdleSlots happens to reach it, so inspect_issue (which
// reads only the State Store, never the tracker mirror) would 404 on it —
// breaking the file_issue/inspect_issue round trip spec.md §8 requires.
func (l *Loop) backfillIssueRecords() error {
	all, err := l.tracker.List()
	if err != nil {
		return fmt.Errorf("scheduler: list issues for backfill: %w", err)
	}
	now := time.Now().UTC()
	for _, issue := range all {
		_, ok, err := l.store.GetIssue(issue.ID)
		if err != nil {
			return fmt.Errorf("scheduler: load issue %s: %w", issue.ID, err)
		}
		if ok {
			continue
		}
		rec := model.IssueRecord{Issue: issue, Phase: model.PhasePending, CreatedAt: now, UpdatedAt: now}
		if err := l.store.PutIssue(rec); err != nil {
			return fmt.Errorf("scheduler: persist backfilled issue %s: %w", issue.ID, err)
		}
	}
	return nil
}

// plannerDue reports whether a planner meta-pass should run this
// iteration: against its cron schedule if planner_cron parsed, else
// against the plain planner_interval iteration count.
func (l *Loop) plannerDue() bool {
	if l.plannerSchedule != nil {
		return l.lastPlannerRun.IsZero() || !l.plannerSchedule.Next(l.lastPlannerRun).After(time.Now().UTC())
	}
	return l.cfg.Passes.PlannerInterval > 0 && l.iteration%int64(l.cfg.Passes.PlannerInterval) == 0
}

// qualityDue mirrors plannerDue for the quality meta-pass.
func (l *Loop) qualityDue() bool {
	if l.qualitySchedule != nil {
		return l.lastQualityRun.IsZero() || !l.qualitySchedule.Next(l.lastQualityRun).After(time.Now().UTC())
	}
	return l.cfg.Passes.QualityInterval > 0 && l.iteration%int64(l.cfg.Passes.QualityInterval) == 0
}

// dispatchIdleSlots implements step 4: for each idle slot in ascending id,
// pick the highest-priority ready, unassigned, dependency-satisfied issue
// and dispatch it.
func (l *Loop) dispatchIdleSlots(ctx context.Context) error {
	ready, err := l.tracker.ListReady()
	if err != nil {
		return fmt.Errorf("scheduler: list_ready: %w", err)
	}

	for _, slot := range l.pool.Slots() {
		if !l.pool.IsIdle(slot.ID) {
			continue
		}

		candidate, rec, err := l.pickCandidate(ready)
		if err != nil {
			return err
		}
		if candidate == nil {
			break
		}

		tier := rec.NextModelTier
		if tier == "" {
			tier = l.cfg.Retry.DefaultModel
		}
		var feedback, testOutput string
		if prev := rec.CurrentAttempt(); prev != nil {
			feedback = prev.ReviewerFeedback
		}

		attemptSeq := len(rec.Attempts) + 1
		rec.Attempts = append(rec.Attempts, model.Attempt{
			Seq:       attemptSeq,
			StartedAt: time.Now().UTC(),
			ModelTier: tier,
		})
		rec.Phase = model.PhaseAssigned
		slotID := slot.ID
		rec.AssignedSlot = &slotID
		rec.UpdatedAt = time.Now().UTC()

		if err := l.store.PutIssue(*rec); err != nil {
			return fmt.Errorf("scheduler: persist assigned issue %s: %w", rec.Issue.ID, err)
		}
		if err := l.store.PutSlot(model.WorkerSlot{
			ID: slotID, State: model.SlotBusy, CurrentIssue: rec.Issue.ID,
			WorkspacePath: slot.WorkspacePath, StartedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("scheduler: persist slot %d: %w", slotID, err)
		}

		err = l.pool.TryDispatch(ctx, slotID, workerpool.PipelineInput{
			Issue:            rec.Issue,
			AttemptSeq:       attemptSeq,
			ModelTier:        tier,
			ReviewerFeedback: feedback,
			TestOutput:       testOutput,
			Manifest:         rec.Issue.Manifest(),
		})
		if err != nil {
			return fmt.Errorf("scheduler: dispatch slot %d: %w", slotID, err)
		}
		rec.Phase = model.PhaseImplementing
		if err := l.store.PutIssue(*rec); err != nil {
			return fmt.Errorf("scheduler: persist implementing issue %s: %w", rec.Issue.ID, err)
		}
		l.bus.Publish(eventbus.TopicIssues, "dispatched", rec)
	}
	return nil
}

// pickCandidate returns the highest-priority ready issue (per the list's
// already-applied priority/created_at/id ordering) that has no slot
// currently assigned and has not reached a terminal phase. Every ready
// issue should already have an IssueRecord via backfillIssueRecords; the
// fallback construction below only guards against a candidate slipping in
// between a tracker refresh and this call. A nil AssignedSlot is the sole
// "free to dispatch" signal — lifecycle.Decide may return PhaseImplementing
// for a retry even though no slot is yet assigned, so Phase alone cannot
// gate eligibility here.
func (l *Loop) pickCandidate(ready []model.Issue) (*model.Issue, *model.IssueRecord, error) {
	for i := range ready {
		issue := ready[i]
		rec, ok, err := l.store.GetIssue(issue.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("scheduler: load issue %s: %w", issue.ID, err)
		}
		if !ok {
			rec = model.IssueRecord{Issue: issue, Phase: model.PhasePending, CreatedAt: time.Now().UTC()}
		} else {
			rec.Issue = issue // keep mirror fields current
		}
		if rec.AssignedSlot != nil {
			continue
		}
		switch rec.Phase {
		case model.PhaseCompleted, model.PhaseBlocked, model.PhaseFailed:
			continue
		}
		return &issue, &rec, nil
	}
	return nil, nil, nil
}

// drainSlotEvents implements steps 5 and 6: non-blocking poll of every
// completion event currently available, advancing the lifecycle state
// machine for each.
func (l *Loop) drainSlotEvents(ctx context.Context) {
	for {
		select {
		case ev := <-l.pool.Events():
			l.handleSlotEvent(ctx, ev)
		default:
			return
		}
	}
}

func (l *Loop) handleSlotEvent(ctx context.Context, ev workerpool.SlotEvent) {
	rec, ok, err := l.store.GetIssue(ev.IssueID)
	if err != nil || !ok {
		slog.Error("scheduler: slot event for unknown issue", "issue", ev.IssueID, "error", err)
		return
	}

	attempt := rec.CurrentAttempt()
	if attempt != nil {
		attempt.Outcome = ev.Outcome
		attempt.ReviewerFeedback = ev.ReviewerFeedback
		attempt.TranscriptSession = ev.TranscriptSession
		attempt.EndedAt = time.Now().UTC()
	}

	decision := l.lifecycle.Decide(&rec, ev.Outcome, ev.RollbackPaths)
	rec.Phase = decision.NextPhase
	rec.AssignedSlot = nil
	rec.NextModelTier = decision.ModelTier
	rec.UpdatedAt = time.Now().UTC()
	if decision.BlockedReason != "" {
		rec.LastErrorKind = decision.BlockedReason
	}

	counters, cErr := l.store.GetCounters()
	if cErr != nil {
		slog.Error("scheduler: load counters", "error", cErr)
	}

	switch decision.NextPhase {
	case model.PhaseCompleted:
		if err := l.tracker.Close(ctx, ev.IssueID); err != nil {
			slog.Error("scheduler: tracker close failed", "issue", ev.IssueID, "error", err)
		}
		counters.SuccessfulCompletions++
	case model.PhaseBlocked:
		if decision.Comment != "" {
			if err := l.tracker.Comment(ctx, ev.IssueID, "conductor", decision.Comment); err != nil {
				slog.Error("scheduler: blocked comment failed", "issue", ev.IssueID, "error", err)
			}
		}
		counters.FailedAttempts++
	case model.PhaseImplementing, model.PhasePending:
		if ev.Outcome != model.OutcomeSuccess {
			counters.FailedAttempts++
		}
	}

	if err := l.store.PutIssue(rec); err != nil {
		slog.Error("scheduler: persist issue after slot event", "issue", ev.IssueID, "error", err)
	}
	if err := l.store.PutSlot(model.WorkerSlot{ID: ev.SlotID, State: model.SlotIdle, WorkspacePath: slotWorkspace(l.pool, ev.SlotID)}); err != nil {
		slog.Error("scheduler: free slot", "slot", ev.SlotID, "error", err)
	}
	if err := l.store.PutCounters(counters); err != nil {
		slog.Error("scheduler: persist counters", "error", err)
	}

	l.bus.Publish(eventbus.TopicIssues, string(decision.NextPhase), rec)
	l.bus.Publish(eventbus.TopicWorkers, "idle", ev.SlotID)
}

func slotWorkspace(pool *workerpool.Pool, id int) string {
	for _, s := range pool.Slots() {
		if s.ID == id {
			return s.WorkspacePath
		}
	}
	return ""
}

// metaProposal is one operation a planner/quality meta-agent emits.
type metaProposal struct {
	Op     string            `json:"op"` // "create" | "update" | "comment"
	ID     string            `json:"id,omitempty"`
	Title  string            `json:"title,omitempty"`
	Body   string            `json:"body,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// runMetaPass dispatches a meta-agent synchronously on the Loop fiber —
// per the Open Question in spec.md §9, this implementation preserves the
// source's "planner shares the Loop fiber and pauses dispatch" semantics
// rather than delegating to a worker slot.
func (l *Loop) runMetaPass(ctx context.Context, kind, command string) {
	r, err := runner.Start(ctx, runner.Config{
		Argv:        []string{command, "--pass", kind},
		IdleTimeout: time.Duration(l.cfg.Agents.TimeoutSeconds) * time.Second,
		WallTimeout: time.Duration(l.cfg.Agents.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		slog.Error("scheduler: meta pass failed to start", "pass", kind, "error", err)
		return
	}

	for event := range r.Events() {
		if event.Kind != runner.EventLine || event.JSON == nil {
			continue
		}
		var prop metaProposal
		if err := json.Unmarshal(event.JSON, &prop); err != nil {
			continue
		}
		l.applyMetaProposal(ctx, prop)
	}
	slog.Info("scheduler: meta pass completed", "pass", kind)
}

func (l *Loop) applyMetaProposal(ctx context.Context, prop metaProposal) {
	switch prop.Op {
	case "create":
		if _, err := l.tracker.Create(ctx, prop.Title, prop.Body, nil); err != nil {
			slog.Error("scheduler: meta pass create failed", "error", err)
		}
	case "update":
		if err := l.tracker.Update(ctx, prop.ID, prop.Fields); err != nil {
			slog.Error("scheduler: meta pass update failed", "id", prop.ID, "error", err)
		}
	case "comment":
		if err := l.tracker.Comment(ctx, prop.ID, "conductor-meta", prop.Body); err != nil {
			slog.Error("scheduler: meta pass comment failed", "id", prop.ID, "error", err)
		}
	}
}

func (l *Loop) persistCounters() error {
	counters, err := l.store.GetCounters()
	if err != nil {
		return fmt.Errorf("scheduler: load counters: %w", err)
	}
	counters.TotalIterations++
	if err := l.store.PutCounters(counters); err != nil {
		return fmt.Errorf("scheduler: persist counters: %w", err)
	}
	l.bus.Publish(eventbus.TopicState, "tick", map[string]any{"iteration": l.iteration, "version": l.store.Version()})
	return nil
}

// AuditLog returns the bounded history of accepted control commands, for
// the Control Server's inspection surface.
func (l *Loop) AuditLog() []model.PendingCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.PendingCommand, len(l.auditLog))
	copy(out, l.auditLog)
	return out
}
