package lifecycle

import (
	"testing"

	"github.com/conductorhq/conductor/internal/agentprotocol"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/runner"
)

func TestClassifyPrioritizesCancelOverEverythingElse(t *testing.T) {
	got := Classify(ClassifyInput{ExitReason: runner.ExitCancelled, ExitCode: 1, ManifestViolation: true})
	if got != model.OutcomeUserInterrupt {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyTimeout(t *testing.T) {
	got := Classify(ClassifyInput{ExitReason: runner.ExitTimeout})
	if got != model.OutcomeTimeout {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyTransientStderrPattern(t *testing.T) {
	got := Classify(ClassifyInput{ExitCode: 1, StderrTail: "connection reset by peer"})
	if got != model.OutcomeTransientFailure {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyReviewRejected(t *testing.T) {
	got := Classify(ClassifyInput{ReviewerSignal: agentprotocol.SignalChangesRequested})
	if got != model.OutcomeReviewRejected {
		t.Fatalf("got %s", got)
	}
}

func TestClassifySuccessOnCleanExit(t *testing.T) {
	got := Classify(ClassifyInput{ExitCode: 0})
	if got != model.OutcomeSuccess {
		t.Fatalf("got %s", got)
	}
}

func TestClassifyPlainCrash(t *testing.T) {
	got := Classify(ClassifyInput{ExitCode: 1, StderrTail: "panic: nil pointer"})
	if got != model.OutcomeCrash {
		t.Fatalf("got %s", got)
	}
}

func testCfg() config.RetryConfig {
	return config.RetryConfig{
		DefaultModel:          "default",
		EscalationModel:       "strong",
		EscalateAfterAttempts: 2,
		MaxTotalAttempts:      5,
	}
}

func withAttempts(outcomes ...model.AttemptOutcome) *model.IssueRecord {
	rec := &model.IssueRecord{Issue: model.Issue{ID: "X-1"}}
	for i, o := range outcomes {
		rec.Attempts = append(rec.Attempts, model.Attempt{Seq: i + 1, Outcome: o})
	}
	return rec
}

func TestDecideSuccessCompletesIssue(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeSuccess)
	d := e.Decide(rec, model.OutcomeSuccess, nil)
	if d.NextPhase != model.PhaseCompleted {
		t.Fatalf("got %s", d.NextPhase)
	}
}

func TestDecideUserInterruptRequeuesWithoutBudget(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeUserInterrupt)
	d := e.Decide(rec, model.OutcomeUserInterrupt, nil)
	if d.NextPhase != model.PhasePending {
		t.Fatalf("got %s", d.NextPhase)
	}
	if rec.BudgetedAttempts() != 0 {
		t.Fatalf("user_interrupt should not consume budget")
	}
}

func TestDecideTransientRetriesThenBlocks(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeTransientFailure, model.OutcomeTransientFailure, model.OutcomeTransientFailure)
	d := e.Decide(rec, model.OutcomeTransientFailure, nil)
	if d.NextPhase != model.PhaseBlocked {
		t.Fatalf("3 consecutive transient failures should block, got %s", d.NextPhase)
	}
}

func TestDecideManifestViolationSecondTimeBlocks(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeManifestViolation, model.OutcomeManifestViolation)
	d := e.Decide(rec, model.OutcomeManifestViolation, []string{"b.ext"})
	if d.NextPhase != model.PhaseBlocked {
		t.Fatalf("second manifest violation should block, got %s", d.NextPhase)
	}
	if d.BlockedReason != "manifest_violation" {
		t.Fatalf("got reason %s", d.BlockedReason)
	}
}

func TestDecideManifestViolationFirstTimeRetries(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeManifestViolation)
	d := e.Decide(rec, model.OutcomeManifestViolation, []string{"b.ext"})
	if d.NextPhase != model.PhaseImplementing {
		t.Fatalf("got %s", d.NextPhase)
	}
	if len(d.RollbackPaths) != 1 {
		t.Fatalf("expected rollback paths to be carried through")
	}
}

func TestDecideMergeConflictBlocksImmediately(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeMergeConflict)
	d := e.Decide(rec, model.OutcomeMergeConflict, nil)
	if d.NextPhase != model.PhaseBlocked || d.BlockedReason != "merge_conflict" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecideCrashRetriesOnceThenBlocks(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeCrash)
	d := e.Decide(rec, model.OutcomeCrash, nil)
	if d.NextPhase != model.PhaseImplementing {
		t.Fatalf("first crash should retry, got %s", d.NextPhase)
	}

	rec = withAttempts(model.OutcomeCrash, model.OutcomeCrash)
	d = e.Decide(rec, model.OutcomeCrash, nil)
	if d.NextPhase != model.PhaseBlocked {
		t.Fatalf("second consecutive crash should block, got %s", d.NextPhase)
	}
}

func TestDecideTimeoutRetriesUpToMaxTotalAttempts(t *testing.T) {
	cfg := testCfg()
	cfg.MaxTotalAttempts = 4
	e := New(cfg)

	rec := withAttempts(model.OutcomeTimeout, model.OutcomeTimeout, model.OutcomeTimeout)
	d := e.Decide(rec, model.OutcomeTimeout, nil)
	if d.NextPhase != model.PhaseImplementing {
		t.Fatalf("third timeout should still retry under max_total_attempts=4, got %s", d.NextPhase)
	}

	rec = withAttempts(model.OutcomeTimeout, model.OutcomeTimeout, model.OutcomeTimeout, model.OutcomeTimeout)
	d = e.Decide(rec, model.OutcomeTimeout, nil)
	if d.NextPhase != model.PhaseBlocked || d.BlockedReason != "timeout" {
		t.Fatalf("timeout at max_total_attempts should block, got %+v", d)
	}
}

func TestDecideEscalatesModelTierAfterThreshold(t *testing.T) {
	e := New(testCfg())
	rec := withAttempts(model.OutcomeCrash, model.OutcomeTestFailure)
	d := e.Decide(rec, model.OutcomeTestFailure, nil)
	if d.ModelTier != "strong" {
		t.Fatalf("expected escalation to strong tier after 2 consecutive non-transient failures, got %q", d.ModelTier)
	}
}

func TestDecideCappedAtMaxTotalAttempts(t *testing.T) {
	cfg := testCfg()
	cfg.MaxTotalAttempts = 2
	e := New(cfg)
	rec := withAttempts(model.OutcomeTestFailure, model.OutcomeTestFailure)
	d := e.Decide(rec, model.OutcomeTestFailure, nil)
	if d.NextPhase != model.PhaseBlocked {
		t.Fatalf("should block once max_total_attempts reached, got %s", d.NextPhase)
	}
}
