// Package workerpool is the Worker Pool (spec.md §4.H): a fixed table of
// slots, each running a small driver that takes an IssueRecord through the
// implement -> review -> merge pipeline inside its reserved workspace.
// Slots never touch the State Store directly — they emit SlotEvents that
// the Scheduler (internal/scheduler) applies, matching spec.md §5's "slot
// drivers communicate with the Loop through a bounded channel" rule.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/agentprotocol"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/lifecycle"
	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/runner"
	"github.com/conductorhq/conductor/internal/transcript"
	"github.com/conductorhq/conductor/internal/vcsgateway"
)

// SlotEventKind enumerates the intents a slot driver reports to the Loop.
type SlotEventKind string

const (
	SlotEventOutcome SlotEventKind = "outcome" // pipeline step finished; see Outcome
	SlotEventStarted SlotEventKind = "started"
)

// SlotEvent is one intent emitted by a slot driver for the Scheduler to
// apply against the State Store.
type SlotEvent struct {
	SlotID            int
	IssueID           string
	Kind              SlotEventKind
	Phase             model.Phase // phase the attempt was in when it finished
	Outcome           model.AttemptOutcome
	ReviewerFeedback  string
	RollbackPaths     []string
	TranscriptSession string
	Err               error
}

// Slot is one fixed parallel execution context.
type Slot struct {
	ID            int
	WorkspacePath string

	mu      sync.Mutex
	state   model.SlotState
	cancel  context.CancelFunc
	current string // issue id, if busy
}

func (s *Slot) snapshot() (model.SlotState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.current
}

// Pool owns the fixed slot table and drives each slot's pipeline.
type Pool struct {
	cfg    *config.Config
	vcs    *vcsgateway.Gateway
	trans  *transcript.Store
	events chan SlotEvent

	slots []*Slot
}

// New constructs a Pool with numSlots slots, workspace paths derived
// deterministically from vcs.WorkspacePath(slotID) per spec.md §4.H.
func New(cfg *config.Config, vcs *vcsgateway.Gateway, trans *transcript.Store, numSlots int) *Pool {
	p := &Pool{
		cfg:    cfg,
		vcs:    vcs,
		trans:  trans,
		events: make(chan SlotEvent, numSlots*4),
	}
	for i := 0; i < numSlots; i++ {
		p.slots = append(p.slots, &Slot{ID: i, WorkspacePath: vcs.WorkspacePath(i), state: model.SlotIdle})
	}
	return p
}

// Events returns the channel of slot intents for the Scheduler to consume.
func (p *Pool) Events() <-chan SlotEvent {
	return p.events
}

// Slots returns the live slot table, for reconciliation and status
// reporting.
func (p *Pool) Slots() []*Slot {
	return p.slots
}

// IsIdle reports whether slotID is currently free to accept work.
func (p *Pool) IsIdle(slotID int) bool {
	state, _ := p.slots[slotID].snapshot()
	return state == model.SlotIdle
}

// Reconcile ensures every slot's workspace exists and reaps orphaned
// workspaces that belong to no configured slot, per spec.md §4.H's startup
// reconciliation rule.
func (p *Pool) Reconcile(ctx context.Context) error {
	live := make([]int, len(p.slots))
	for i, s := range p.slots {
		live[i] = s.ID
		if _, err := p.vcs.CreateWorkspace(ctx, s.ID); err != nil {
			return fmt.Errorf("workerpool: reconcile slot %d: %w", s.ID, err)
		}
	}
	orphans, err := p.vcs.ListOrphanWorkspaces(ctx, live)
	if err != nil {
		return fmt.Errorf("workerpool: list orphans: %w", err)
	}
	for _, path := range orphans {
		slog.Info("workerpool: reaping orphan workspace", "path", path)
		p.vcs.RemoveWorkspace(ctx, path)
	}
	return nil
}

// PipelineInput is everything a slot driver needs to run one attempt.
type PipelineInput struct {
	Issue            model.Issue
	AttemptSeq       int
	ModelTier        string
	ReviewerFeedback string // prior CHANGES_REQUESTED feedback, if retrying
	TestOutput       string // prior failing test output, if retrying a test_failure
	Manifest         []string
}

// TryDispatch reserves slotID and runs one attempt of the pipeline in the
// background, publishing its outcome on Events() when done.
func (p *Pool) TryDispatch(ctx context.Context, slotID int, in PipelineInput) error {
	slot := p.slots[slotID]

	slot.mu.Lock()
	if slot.state != model.SlotIdle {
		slot.mu.Unlock()
		return fmt.Errorf("workerpool: slot %d is not idle", slotID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	slot.state = model.SlotBusy
	slot.current = in.Issue.ID
	slot.cancel = cancel
	slot.mu.Unlock()

	go p.run(runCtx, slot, in)
	return nil
}

// Cancel requests cancellation of slotID's current attempt, if busy. The
// driver reports a user_interrupt outcome once the subprocess actually
// terminates.
func (p *Pool) Cancel(slotID int) {
	slot := p.slots[slotID]
	slot.mu.Lock()
	cancel := slot.cancel
	slot.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain cancels every busy slot, for graceful shutdown.
func (p *Pool) Drain() {
	for _, s := range p.slots {
		p.Cancel(s.ID)
	}
}

func (p *Pool) release(slotID int) {
	slot := p.slots[slotID]
	slot.mu.Lock()
	slot.state = model.SlotIdle
	slot.current = ""
	slot.cancel = nil
	slot.mu.Unlock()
}

// run drives one full attempt: implement, review, merge. A panic anywhere
// in the driver is recovered and converted into a crash event rather than
// taking down the engine, per spec.md §9's "exceptions used for control
// flow" redesign note.
func (p *Pool) run(ctx context.Context, slot *Slot, in PipelineInput) {
	defer p.release(slot.ID)

	ev := SlotEvent{SlotID: slot.ID, IssueID: in.Issue.ID, Kind: SlotEventOutcome}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("workerpool: slot driver panic recovered", "slot", slot.ID, "issue", in.Issue.ID, "panic", r)
			ev.Outcome = model.OutcomeCrash
			ev.Err = fmt.Errorf("panic: %v", r)
			p.events <- ev
		}
	}()

	sessionKey := transcript.SessionKey{IssueID: in.Issue.ID, AttemptSeq: in.AttemptSeq}
	ev.TranscriptSession = sessionKeyString(sessionKey)

	implOutcome, rollback, feedback := p.runImplement(ctx, slot, in, sessionKey)
	ev.Phase = model.PhaseImplementing
	ev.Outcome = implOutcome
	ev.RollbackPaths = rollback
	if implOutcome != model.OutcomeSuccess {
		p.events <- ev
		return
	}

	reviewOutcome, reviewFeedback := p.runReview(ctx, slot, in, sessionKey)
	ev.Phase = model.PhaseReviewing
	ev.Outcome = reviewOutcome
	ev.ReviewerFeedback = reviewFeedback
	if reviewOutcome != model.OutcomeSuccess {
		p.events <- ev
		return
	}
	_ = feedback

	mergeOutcome := p.runMerge(ctx, slot, in)
	ev.Phase = model.PhaseMerging
	ev.Outcome = mergeOutcome
	p.events <- ev
}

func sessionKeyString(k transcript.SessionKey) string {
	return k.IssueID + "#" + strconv.Itoa(k.AttemptSeq)
}

// runImplement spawns the implementer agent and drives it to completion,
// returning the classified outcome plus any manifest-violating paths.
func (p *Pool) runImplement(ctx context.Context, slot *Slot, in PipelineInput, key transcript.SessionKey) (model.AttemptOutcome, []string, string) {
	argv := buildAgentArgv(p.cfg.Agents.Implementer, in)
	r, err := runner.Start(ctx, runner.Config{
		Argv:        argv,
		Dir:         slot.WorkspacePath,
		IdleTimeout: time.Duration(p.cfg.Agents.TimeoutSeconds) * time.Second,
		WallTimeout: time.Duration(p.cfg.Agents.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return model.OutcomeCrash, nil, ""
	}

	var structuredErr *agentprotocol.StructuredError
	ready := false
	for event := range r.Events() {
		switch event.Kind {
		case runner.EventLine:
			p.trans.LogEvent(key, transcript.EventStdoutText, event.Line)
			sig := agentprotocol.ParseLine(event.Line)
			switch sig.Kind {
			case agentprotocol.SignalReadyForReview:
				ready = true
			case agentprotocol.SignalStructuredError:
				e := sig.Error
				structuredErr = &e
			}
		case runner.EventExit:
			p.trans.LogEvent(key, transcript.EventExit, map[string]any{"reason": event.Reason, "code": event.Code})
			diff, diffErr := p.vcs.DiffSummary(ctx, slot.WorkspacePath)
			var rollback []string
			violates := false
			if diffErr == nil && len(in.Manifest) > 0 {
				rollback, violates = outsideManifest(diff, in.Manifest)
				if violates {
					p.rollback(ctx, slot.WorkspacePath, rollback)
				}
			}
			outcome := lifecycle.Classify(lifecycle.ClassifyInput{
				ExitReason:        event.Reason,
				ExitCode:          event.Code,
				StderrTail:        event.StderrTail,
				StructuredError:   structuredErr,
				ManifestViolation: violates,
			})
			if outcome == model.OutcomeCrash && ready {
				outcome = model.OutcomeSuccess
			}
			return outcome, rollback, ""
		}
	}
	return model.OutcomeCrash, nil, ""
}

// runReview spawns the reviewer agent, returning review_rejected (with
// feedback) or success (approved), and crash for anything else.
func (p *Pool) runReview(ctx context.Context, slot *Slot, in PipelineInput, key transcript.SessionKey) (model.AttemptOutcome, string) {
	argv := buildAgentArgv(p.cfg.Agents.Reviewer, in)
	r, err := runner.Start(ctx, runner.Config{
		Argv:        argv,
		Dir:         slot.WorkspacePath,
		IdleTimeout: time.Duration(p.cfg.Agents.TimeoutSeconds) * time.Second,
		WallTimeout: time.Duration(p.cfg.Agents.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return model.OutcomeCrash, ""
	}

	var acc agentprotocol.FeedbackAccumulator
	approved := false
	var feedback string
	for event := range r.Events() {
		switch event.Kind {
		case runner.EventLine:
			p.trans.LogEvent(key, transcript.EventStdoutText, event.Line)
			sig := agentprotocol.ParseLine(event.Line)
			if sig.Kind == agentprotocol.SignalApproved {
				approved = true
			}
			if fb, done := acc.Feed(event.Line); done {
				feedback = fb
			}
		case runner.EventExit:
			if fb, done := acc.Finish(); done {
				feedback = fb
			}
			p.trans.LogEvent(key, transcript.EventExit, map[string]any{"reason": event.Reason, "code": event.Code})
			outcome := lifecycle.Classify(lifecycle.ClassifyInput{
				ExitReason:     event.Reason,
				ExitCode:       event.Code,
				StderrTail:     event.StderrTail,
				ReviewerSignal: reviewerSignal(approved, feedback),
			})
			if outcome == model.OutcomeCrash && approved {
				outcome = model.OutcomeSuccess
			}
			return outcome, feedback
		}
	}
	return model.OutcomeCrash, ""
}

func reviewerSignal(approved bool, feedback string) agentprotocol.SignalKind {
	if approved {
		return agentprotocol.SignalApproved
	}
	if feedback != "" {
		return agentprotocol.SignalChangesRequested
	}
	return agentprotocol.SignalNone
}

// runMerge squashes the workspace's changes into the mainline.
func (p *Pool) runMerge(ctx context.Context, slot *Slot, in PipelineInput) model.AttemptOutcome {
	message := fmt.Sprintf("%s: %s", in.Issue.ID, in.Issue.Title)
	if _, err := p.vcs.Commit(ctx, slot.WorkspacePath, message); err != nil {
		return model.OutcomeCrash
	}
	result, err := p.vcs.SquashIntoMain(ctx, slot.WorkspacePath, message)
	if err != nil {
		return model.OutcomeCrash
	}
	if result.Conflict {
		return model.OutcomeMergeConflict
	}
	if !result.OK {
		return model.OutcomeCrash
	}
	return model.OutcomeSuccess
}

func (p *Pool) rollback(ctx context.Context, workspace string, paths []string) {
	if err := p.vcs.RestorePaths(ctx, workspace, paths); err != nil {
		slog.Error("workerpool: manifest violation rollback failed", "workspace", workspace, "paths", paths, "error", err)
		return
	}
	for _, path := range paths {
		slog.Warn("workerpool: rolled back manifest violation", "path", path)
	}
}

func outsideManifest(diff vcsgateway.DiffSummary, manifest []string) ([]string, bool) {
	allowed := make(map[string]bool, len(manifest))
	for _, m := range manifest {
		allowed[m] = true
	}
	var outside []string
	all := append(append(append([]string{}, diff.Added...), diff.Modified...), diff.Deleted...)
	for _, f := range all {
		if !allowed[f] {
			outside = append(outside, f)
		}
	}
	return outside, len(outside) > 0
}

func buildAgentArgv(command string, in PipelineInput) []string {
	argv := strings.Fields(command)
	argv = append(argv, "--issue", in.Issue.ID, "--model-tier", in.ModelTier)
	if in.ReviewerFeedback != "" {
		argv = append(argv, "--feedback", in.ReviewerFeedback)
	}
	if in.TestOutput != "" {
		argv = append(argv, "--test-output", in.TestOutput)
	}
	return argv
}
