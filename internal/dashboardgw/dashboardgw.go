// Package dashboardgw is the Dashboard Gateway (spec.md §4.K): a
// read-only HTTP + WebSocket surface serving the engine's current state
// and streaming events to the dashboard. It never mutates engine state —
// every handler either reads a State Store snapshot or relays an
// Event Bus subscription.
package dashboardgw

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conductorhq/conductor/internal/eventbus"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/internal/model"
	"github.com/conductorhq/conductor/internal/scheduler"
	"github.com/conductorhq/conductor/internal/statestore"
	"github.com/conductorhq/conductor/internal/transcript"
)

// Gateway serves the dashboard's HTTP and WebSocket endpoints.
type Gateway struct {
	addr   string
	store  *statestore.Store
	loop   *scheduler.Loop
	trans  *transcript.Store
	bus    *eventbus.Bus

	httpServer *http.Server
	upgrader   websocket.Upgrader
	registry   *prometheus.Registry
}

// New constructs a Gateway bound to addr, not yet listening.
func New(addr string, store *statestore.Store, loop *scheduler.Loop, trans *transcript.Store, bus *eventbus.Bus) *Gateway {
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(store))
	return &Gateway{
		addr:     addr,
		store:    store,
		loop:     loop,
		trans:    trans,
		bus:      bus,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The dashboard is a read-only, same-host/operator surface; it
			// carries no session cookies or credentials worth protecting
			// behind an origin check the way the teacher's authenticated
			// terminal WebSocket does.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WorkerProjection is the slot table projection served by GET /api/workers.
type WorkerProjection struct {
	ID            int       `json:"id"`
	State         string    `json:"state"`
	CurrentIssue  string    `json:"currentIssue,omitempty"`
	WorkspacePath string    `json:"workspacePath"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
}

// IssueProjection is the compact per-issue projection served by
// GET /api/issues, per spec.md §6.
type IssueProjection struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Phase         string `json:"phase"`
	Priority      int    `json:"priority"`
	AttemptsCount int    `json:"attemptsCount"`
	AssignedSlot  *int   `json:"assignedSlot,omitempty"`
}

// Serve starts the HTTP server and blocks until ctx is cancelled, then
// gracefully shuts down.
func (g *Gateway) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	g.setupRoutes(mux)

	g.httpServer = &http.Server{Addr: g.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("GET /api/issues", g.handleIssues)
	mux.HandleFunc("GET /api/workers", g.handleWorkers)
	mux.HandleFunc("GET /api/sessions/{issueId}", g.handleSession)
	mux.HandleFunc("GET /ws", g.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := g.loop.Status()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleIssues(w http.ResponseWriter, r *http.Request) {
	recs, err := g.store.ListIssues()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]IssueProjection, 0, len(recs))
	for _, rec := range recs {
		out = append(out, projectIssue(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func projectIssue(rec model.IssueRecord) IssueProjection {
	return IssueProjection{
		ID:            rec.Issue.ID,
		Title:         rec.Issue.Title,
		Phase:         string(rec.Phase),
		Priority:      rec.Issue.Priority,
		AttemptsCount: len(rec.Attempts),
		AssignedSlot:  rec.AssignedSlot,
	}
}

func (g *Gateway) handleWorkers(w http.ResponseWriter, r *http.Request) {
	slots, err := g.store.ListSlots()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]WorkerProjection, 0, len(slots))
	for _, s := range slots {
		out = append(out, WorkerProjection{
			ID: s.ID, State: string(s.State), CurrentIssue: s.CurrentIssue,
			WorkspacePath: s.WorkspacePath, StartedAt: s.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// SessionSummary is the last-100-events transcript summary served by
// GET /api/sessions/<issue_id>, per spec.md §6.
type SessionSummary struct {
	IssueID string             `json:"issueId"`
	Events  []transcript.Event `json:"events"`
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("issueId")
	if issueID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing issue id"})
		return
	}
	byAttempt, err := g.trans.ReadIssue(issueID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	var latestAttempt int
	for seq := range byAttempt {
		if seq > latestAttempt {
			latestAttempt = seq
		}
	}
	events := byAttempt[latestAttempt]
	if len(events) > transcript.TailSize {
		events = events[len(events)-transcript.TailSize:]
	}
	writeJSON(w, http.StatusOK, SessionSummary{IssueID: issueID, Events: events})
}

// wsMessage is the streamed envelope of spec.md §6's WS /ws contract.
type wsMessage struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	TS   time.Time `json:"ts"`
}

// handleWebSocket upgrades the connection, sends an initial snapshot, then
// relays Event Bus deltas until the client disconnects. Matches the
// teacher's "slow consumer gets dropped, not blocked on" shape by giving
// each write a bounded deadline rather than letting one stalled browser
// stall the whole gateway.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	issueTopic := r.URL.Query().Get("issue")

	snap, err := g.store.Snapshot()
	if err == nil {
		g.send(conn, wsMessage{Type: "init", Data: snap, TS: time.Now().UTC()})
	}

	issues := g.bus.Subscribe(eventbus.TopicIssues)
	state := g.bus.Subscribe(eventbus.TopicState)
	workers := g.bus.Subscribe(eventbus.TopicWorkers)
	defer issues.Close()
	defer state.Close()
	defer workers.Close()

	var session *eventbus.Subscription
	if issueTopic != "" {
		session = g.bus.Subscribe(eventbus.SessionTopicFor(issueTopic))
		defer session.Close()
	}

	// Detect client-initiated close without blocking the relay loop below.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sessionC := session
	for {
		var sessCh <-chan eventbus.Message
		if sessionC != nil {
			sessCh = sessionC.C()
		}
		select {
		case <-closed:
			return
		case msg, ok := <-issues.C():
			if !ok {
				return
			}
			if !g.send(conn, wsMessage{Type: "issues", Data: msg.Data, TS: time.Now().UTC()}) {
				return
			}
		case msg, ok := <-state.C():
			if !ok {
				return
			}
			if !g.send(conn, wsMessage{Type: "state", Data: msg.Data, TS: time.Now().UTC()}) {
				return
			}
		case msg, ok := <-workers.C():
			if !ok {
				return
			}
			if !g.send(conn, wsMessage{Type: "worker", Data: msg.Data, TS: time.Now().UTC()}) {
				return
			}
		case msg, ok := <-sessCh:
			if !ok {
				return
			}
			if !g.send(conn, wsMessage{Type: "session", Data: msg.Data, TS: time.Now().UTC()}) {
				return
			}
		}
	}
}

func (g *Gateway) send(conn *websocket.Conn, msg wsMessage) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(msg) == nil
}
