// Package lifecycle implements the per-issue state machine of spec.md
// §4.J: classifying a finished pipeline step into the closed failure
// taxonomy, then deciding whether to retry, escalate the model tier, or
// transition the issue to a terminal phase. It holds no state of its own —
// every decision is a pure function of the IssueRecord's own attempt
// history plus the configured retry policy, so it is safe to call from the
// Scheduler's single control fiber without any additional locking.
package lifecycle

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/conductorhq/conductor/internal/agentprotocol"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/runner"
)

// transientStderrPatterns match network-like failures worth retrying
// transparently, per spec.md §4.J's transient_failure detection rule.
var transientStderrPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)connection reset`),
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)temporary failure`),
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)503`),
	regexp.MustCompile(`(?i)EOF`),
}

// RetryableExitCodes are agent exit codes treated as transient regardless
// of stderr content.
var RetryableExitCodes = map[int]bool{
	75: true, // EX_TEMPFAIL, sysexits.h convention some agents honor
}

// ClassifyInput bundles everything the classifier needs to assign one of
// the closed AttemptOutcome values to a finished pipeline step.
type ClassifyInput struct {
	ExitReason          runner.ExitReason
	ExitCode            int
	StderrTail          string
	StructuredError     *agentprotocol.StructuredError
	TestFailureDetected bool
	ManifestViolation   bool
	ReviewerSignal      agentprotocol.SignalKind // only set on the review step
	MergeConflict       bool                     // only set on the merge step
}

// Classify maps a finished step's observable signals onto the closed
// AttemptOutcome taxonomy, in the priority order spec.md §4.J implies:
// cancellation and timeout are unambiguous at the Runner layer and take
// precedence over anything else observed.
func Classify(in ClassifyInput) model.AttemptOutcome {
	switch {
	case in.ExitReason == runner.ExitCancelled:
		return model.OutcomeUserInterrupt
	case in.ExitReason == runner.ExitTimeout || in.ExitReason == runner.ExitKilled:
		return model.OutcomeTimeout
	case in.MergeConflict:
		return model.OutcomeMergeConflict
	case in.ManifestViolation:
		return model.OutcomeManifestViolation
	case in.ReviewerSignal == agentprotocol.SignalChangesRequested:
		return model.OutcomeReviewRejected
	case in.TestFailureDetected:
		return model.OutcomeTestFailure
	case isTransient(in):
		return model.OutcomeTransientFailure
	case in.ExitCode != 0:
		return model.OutcomeCrash
	default:
		return model.OutcomeSuccess
	}
}

func isTransient(in ClassifyInput) bool {
	if RetryableExitCodes[in.ExitCode] {
		return true
	}
	for _, pat := range transientStderrPatterns {
		if pat.MatchString(in.StderrTail) {
			return true
		}
	}
	return false
}

// Decision is the state machine's verdict for one finished attempt.
type Decision struct {
	NextPhase     model.Phase
	ModelTier     string
	BlockedReason string // non-empty iff NextPhase == PhaseBlocked
	Comment       string // human-readable summary to attach via comment_issue, if non-empty
	RollbackPaths []string
}

// Engine evaluates Decide against a fixed retry policy.
type Engine struct {
	cfg config.RetryConfig
}

// New constructs an Engine bound to cfg.
func New(cfg config.RetryConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Decide applies the failure-classification taxonomy's default actions
// (spec.md §4.J table) to rec, whose most recent Attempt has already been
// stamped with outcome and reviewerFeedback. rollbackPaths, if any, are
// the files DiffSummary reported outside the declared manifest.
func (e *Engine) Decide(rec *model.IssueRecord, outcome model.AttemptOutcome, rollbackPaths []string) Decision {
	switch outcome {
	case model.OutcomeSuccess:
		return Decision{NextPhase: model.PhaseCompleted}

	case model.OutcomeUserInterrupt:
		// Does not consume the attempt budget; always requeue.
		return Decision{NextPhase: model.PhasePending, ModelTier: e.tierFor(rec)}

	case model.OutcomeTransientFailure:
		if e.consecutiveTrailing(rec, model.OutcomeTransientFailure) >= 3 {
			return Decision{
				NextPhase:     model.PhaseBlocked,
				BlockedReason: "transient_failure",
				Comment:       "Blocked after 3 consecutive transient failures.",
			}
		}
		return Decision{NextPhase: model.PhaseImplementing, ModelTier: e.tierFor(rec)}

	case model.OutcomeTimeout:
		return e.continueOrBlock(rec, model.PhaseImplementing, "timeout")

	case model.OutcomeTestFailure:
		return e.capped(rec, 5, model.PhaseImplementing, "test_failure", "Blocked after 5 attempts, tests still failing.")

	case model.OutcomeReviewRejected:
		return e.capped(rec, 5, model.PhaseImplementing, "review_rejected", "Blocked after 5 review iterations without approval.")

	case model.OutcomeManifestViolation:
		if e.consecutiveTrailing(rec, model.OutcomeManifestViolation) >= 2 {
			return Decision{
				NextPhase:     model.PhaseBlocked,
				BlockedReason: "manifest_violation",
				Comment:       fmt.Sprintf("Blocked after a second manifest violation touching: %s", strings.Join(rollbackPaths, ", ")),
				RollbackPaths: rollbackPaths,
			}
		}
		return Decision{NextPhase: model.PhaseImplementing, ModelTier: e.tierFor(rec), RollbackPaths: rollbackPaths}

	case model.OutcomeMergeConflict:
		return Decision{
			NextPhase:     model.PhaseBlocked,
			BlockedReason: "merge_conflict",
			Comment:       "Merge conflict squashing into mainline; workspace preserved for human resolution.",
		}

	case model.OutcomeCrash:
		if e.consecutiveTrailing(rec, model.OutcomeCrash) >= 2 {
			return Decision{
				NextPhase:     model.PhaseBlocked,
				BlockedReason: "crash",
				Comment:       "Blocked after a second unclassifiable crash.",
			}
		}
		return Decision{NextPhase: model.PhaseImplementing, ModelTier: e.tierFor(rec)}

	default:
		return Decision{
			NextPhase:     model.PhaseBlocked,
			BlockedReason: "unknown_outcome",
			Comment:       fmt.Sprintf("Blocked on unrecognized outcome %q.", outcome),
		}
	}
}

// capped applies the "re-dispatch with feedback; capped at N total
// attempts" shape shared by test_failure and review_rejected.
func (e *Engine) capped(rec *model.IssueRecord, limit int, retryPhase model.Phase, reasonKind, comment string) Decision {
	if rec.BudgetedAttempts() >= limit || rec.BudgetedAttempts() >= e.cfg.MaxTotalAttempts {
		return Decision{NextPhase: model.PhaseBlocked, BlockedReason: reasonKind, Comment: comment}
	}
	return Decision{NextPhase: retryPhase, ModelTier: e.tierFor(rec)}
}

func (e *Engine) continueOrBlock(rec *model.IssueRecord, retryPhase model.Phase, reasonKind string) Decision {
	if rec.BudgetedAttempts() >= e.cfg.MaxTotalAttempts {
		return Decision{
			NextPhase:     model.PhaseBlocked,
			BlockedReason: reasonKind,
			Comment:       fmt.Sprintf("Blocked after exceeding max_total_attempts=%d.", e.cfg.MaxTotalAttempts),
		}
	}
	return Decision{NextPhase: retryPhase, ModelTier: e.tierFor(rec)}
}

// tierFor applies model escalation: after EscalateAfterAttempts consecutive
// non-transient, non-interrupt failures, the next attempt uses the
// stronger tier. Open Question in spec.md §9 resolved in DESIGN.md: tiers
// are tracked per-issue, not globally.
func (e *Engine) tierFor(rec *model.IssueRecord) string {
	consecutive := 0
	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		a := rec.Attempts[i]
		if a.Outcome == model.OutcomeTransientFailure || a.Outcome == model.OutcomeUserInterrupt || a.Outcome == model.OutcomeSuccess {
			break
		}
		consecutive++
	}
	if e.cfg.EscalateAfterAttempts > 0 && consecutive >= e.cfg.EscalateAfterAttempts {
		return e.cfg.EscalationModel
	}
	return e.cfg.DefaultModel
}

// consecutiveTrailing counts how many of the most recent attempts (from
// the end) share the given outcome, stopping at the first attempt that
// doesn't.
func (e *Engine) consecutiveTrailing(rec *model.IssueRecord, outcome model.AttemptOutcome) int {
	n := 0
	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		if rec.Attempts[i].Outcome != outcome {
			break
		}
		n++
	}
	return n
}
