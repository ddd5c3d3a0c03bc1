// Package notify sends a best-effort webhook notification on the
// engine's fatal halt path (spec.md §7), adapted from the teacher's
// errorreport.Reporter: nil-safe, and a pure no-op when no webhook URL is
// configured, but point-to-point rather than batched —
// a halt is rare and must not wait for a flush window.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HaltEntry describes the fatal condition that halted the engine.
type HaltEntry struct {
	Message   string    `json:"message"`
	Iteration int64     `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts HaltEntry payloads to a single configured webhook URL.
// All methods are nil-safe.
type Notifier struct {
	url    string
	client *http.Client
}

// New constructs a Notifier for url. If url is empty, New still returns a
// non-nil Notifier whose Notify calls are no-ops, so callers never need a
// nil check of their own.
func New(url string) *Notifier {
	return &Notifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify posts entry to the configured webhook. Failures are logged, not
// returned: a broken notification channel must never block or fail the
// shutdown path it is reporting on.
func (n *Notifier) Notify(ctx context.Context, entry HaltEntry) {
	if n == nil || n.url == "" {
		return
	}
	body, err := json.Marshal(entry)
	if err != nil {
		slog.Error("notify: marshal halt entry", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("notify: build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		slog.Error("notify: webhook post failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Error("notify: webhook rejected halt notification", "status", resp.StatusCode)
	}
}
