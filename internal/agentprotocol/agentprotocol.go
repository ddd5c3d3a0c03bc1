// Package agentprotocol parses the line-oriented signals implementer and
// reviewer agent subprocesses emit (spec.md §6): a tagged-variant parser
// layered over the runner's line stream. Unknown signals are logged but
// not fatal, preserving forward compatibility with agent updates per
// spec.md §9's redesign note on "dynamic agent-emitted signals".
package agentprotocol

import (
	"encoding/json"
	"strings"
)

// SignalKind is the closed set of recognized protocol signals.
type SignalKind string

const (
	SignalReadyForReview     SignalKind = "ready_for_review"
	SignalApproved           SignalKind = "approved"
	SignalChangesRequested   SignalKind = "changes_requested"
	SignalNeedFile           SignalKind = "need_file"
	SignalNeedDoc            SignalKind = "need_doc"
	SignalStructuredError    SignalKind = "structured_error"
	SignalNone               SignalKind = ""
)

// Signal is one recognized line from an agent's stdout stream.
type Signal struct {
	Kind     SignalKind
	Feedback string // CHANGES_REQUESTED's multiline feedback body
	Path     string // NEED_FILE's requested path
	Slug     string // NEED_DOC's requested slug
	Error    StructuredError
}

// StructuredError is the optional final `{type: "error", ...}` line an
// implementer may emit on failure.
type StructuredError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ParseLine classifies a single line of agent stdout. Lines that match no
// known signal return SignalNone — callers should treat those as ordinary
// transcript text, not an error.
func ParseLine(line string) Signal {
	trimmed := strings.TrimSpace(line)

	switch {
	case trimmed == "READY_FOR_REVIEW":
		return Signal{Kind: SignalReadyForReview}
	case trimmed == "APPROVED":
		return Signal{Kind: SignalApproved}
	case strings.HasPrefix(trimmed, "CHANGES_REQUESTED:"):
		return Signal{Kind: SignalChangesRequested, Feedback: strings.TrimSpace(strings.TrimPrefix(trimmed, "CHANGES_REQUESTED:"))}
	case strings.HasPrefix(trimmed, "NEED_FILE:"):
		return Signal{Kind: SignalNeedFile, Path: strings.TrimSpace(strings.TrimPrefix(trimmed, "NEED_FILE:"))}
	case strings.HasPrefix(trimmed, "NEED_DOC:"):
		return Signal{Kind: SignalNeedDoc, Slug: strings.TrimSpace(strings.TrimPrefix(trimmed, "NEED_DOC:"))}
	}

	if strings.HasPrefix(trimmed, "{") {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal([]byte(trimmed), &probe) == nil && probe.Type == "error" {
			var se StructuredError
			if json.Unmarshal([]byte(trimmed), &se) == nil {
				return Signal{Kind: SignalStructuredError, Error: se}
			}
		}
	}

	return Signal{Kind: SignalNone}
}

// FeedbackAccumulator collects CHANGES_REQUESTED's feedback across multiple
// lines: the signal tag starts the block, and every following line until
// the next recognized signal (or end of stream) is considered part of the
// same multiline feedback body, matching the protocol's "<multiline
// feedback>" grammar.
type FeedbackAccumulator struct {
	active bool
	lines  []string
}

// Feed processes one line, returning (feedback, true) once the block ends
// — signalled by the next recognized, non-feedback signal or by Finish.
func (f *FeedbackAccumulator) Feed(line string) (string, bool) {
	sig := ParseLine(line)
	if sig.Kind == SignalChangesRequested {
		f.active = true
		f.lines = nil
		if sig.Feedback != "" {
			f.lines = append(f.lines, sig.Feedback)
		}
		return "", false
	}
	if f.active {
		if sig.Kind != SignalNone {
			result := strings.Join(f.lines, "\n")
			f.active = false
			f.lines = nil
			return result, true
		}
		f.lines = append(f.lines, line)
		return "", false
	}
	return "", false
}

// Finish flushes any in-progress feedback block at end of stream.
func (f *FeedbackAccumulator) Finish() (string, bool) {
	if !f.active {
		return "", false
	}
	result := strings.Join(f.lines, "\n")
	f.active = false
	f.lines = nil
	return result, true
}
