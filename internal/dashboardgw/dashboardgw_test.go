package dashboardgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/conductor/internal/config"
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

func newTestGateway(t *testing.T) (*Gateway, *statestore.Store, string, context.CancelFunc) {
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

	cfg := &config.Config{
		Agents: config.AgentsConfig{Implementer: "true", Reviewer: "true", TimeoutSeconds: 30, NumWorkers: 1},
		Retry:  config.RetryConfig{DefaultModel: "default", EscalationModel: "strong", EscalateAfterAttempts: 2, MaxTotalAttempts: 5},
	}
	vcs := vcsgateway.New("git", dir)
	if err := os.MkdirAll(vcs.WorkspacePath(0), 0o755); err != nil {
		t.Fatal(err)
	}
	trans := transcript.New(dir, nil)
	pool := workerpool.New(cfg, vcs, trans, 1)
	bus := eventbus.New()
	loop := scheduler.New(cfg, store, trk, pool, bus)

	gw := New("127.0.0.1:0", store, loop, trans, bus)

	_, cancel := context.WithCancel(context.Background())
	return gw, store, "", cancel
}

// httpTestServer wraps mux in an httptest.Server whose lifetime is tied to
// t, so each test gets a real address to dial for both HTTP and WebSocket
// requests.
func httpTestServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandleIssuesEmpty(t *testing.T) {
	gw, _, _, cancel := newTestGateway(t)
	defer cancel()

	mux := http.NewServeMux()
	gw.setupRoutes(mux)
	srv := httpTestServer(t, mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/issues")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out []IssueProjection
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no issues, got %d", len(out))
	}
}

func TestHandleIssuesProjectsRecord(t *testing.T) {
	gw, store, _, cancel := newTestGateway(t)
	defer cancel()

	if err := store.PutIssue(model.IssueRecord{
		Issue: model.Issue{ID: "X-1", Title: "fix bug", Priority: 1},
		Phase: model.PhaseImplementing,
		Attempts: []model.Attempt{{Seq: 1}},
	}); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	gw.setupRoutes(mux)
	srv := httpTestServer(t, mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/issues")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out []IssueProjection
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "X-1" || out[0].Phase != string(model.PhaseImplementing) {
		t.Fatalf("unexpected projection: %+v", out)
	}
}

func TestHandleStatus(t *testing.T) {
	gw, _, _, cancel := newTestGateway(t)
	defer cancel()

	mux := http.NewServeMux()
	gw.setupRoutes(mux)
	srv := httpTestServer(t, mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
}

func TestWebSocketInitMessage(t *testing.T) {
	gw, _, _, cancel := newTestGateway(t)
	defer cancel()

	mux := http.NewServeMux()
	gw.setupRoutes(mux)
	srv := httpTestServer(t, mux)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read init message failed: %v", err)
	}
	if msg.Type != "init" {
		t.Fatalf("got type %q, want init", msg.Type)
	}
}
