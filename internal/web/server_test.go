package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/monitor"
	"github.com/asheshgoplani/devin-relay/internal/relay"
)

type fakeMonitors struct {
	mu    sync.Mutex
	snaps []monitor.Snapshot
}

func (f *fakeMonitors) Active() []monitor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]monitor.Snapshot(nil), f.snaps...)
}

func (f *fakeMonitors) Snapshot(id string) (monitor.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.snaps {
		if s.SessionID == id {
			return s, true
		}
	}
	return monitor.Snapshot{}, false
}

func (f *fakeMonitors) set(snaps ...monitor.Snapshot) {
	f.mu.Lock()
	f.snaps = snaps
	f.mu.Unlock()
}

type fakeGateway bool

func (g fakeGateway) Connected() bool { return bool(g) }

type fakeThreads struct {
	records []relay.Record
	err     error
	window  time.Duration
}

func (f *fakeThreads) Recent(window time.Duration) ([]relay.Record, error) {
	f.window = window
	return f.records, f.err
}

func serve(t *testing.T, srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthzEndpoint(t *testing.T) {
	mons := &fakeMonitors{}
	mons.set(monitor.Snapshot{SessionID: "devin-1"}, monitor.Snapshot{SessionID: "devin-2"})
	srv := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Monitors:   mons,
		Gateway:    fakeGateway(true),
		Version:    "1.2.3",
	})

	rr := serve(t, srv, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Monitors != 2 || resp.Gateway != "connected" || resp.Version != "1.2.3" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
	if resp.Time == "" {
		t.Fatal("expected time in health response")
	}
}

func TestHealthzWithoutDependencies(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	rr := serve(t, srv, http.MethodGet, "/healthz", nil)
	body := rr.Body.String()
	if !strings.Contains(body, `"gateway":"disconnected"`) || !strings.Contains(body, `"monitors":0`) {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	rr := serve(t, srv, http.MethodPost, "/healthz", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestMonitorsEndpoint(t *testing.T) {
	mons := &fakeMonitors{}
	mons.set(monitor.Snapshot{SessionID: "devin-1", ThreadID: "t-1", LastStatus: "running", Ticks: 3})
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Monitors: mons})

	rr := serve(t, srv, http.MethodGet, "/api/monitors", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp monitorsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Monitors[0].LastStatus != "running" || resp.Monitors[0].Ticks != 3 {
		t.Fatalf("unexpected monitors: %+v", resp)
	}

	rr = serve(t, srv, http.MethodGet, "/api/monitors/devin-1", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"thread_id":"t-1"`) {
		t.Fatalf("unexpected single monitor response %d: %s", rr.Code, rr.Body.String())
	}

	rr = serve(t, srv, http.MethodGet, "/api/monitors/devin-404", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	rr = serve(t, srv, http.MethodGet, "/api/monitors/a/b", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMonitorsEmptyListIsArray(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	rr := serve(t, srv, http.MethodGet, "/api/monitors", nil)
	if !strings.Contains(rr.Body.String(), `"monitors":[]`) {
		t.Fatalf("expected empty array, got: %s", rr.Body.String())
	}
}

func TestTokenRequired(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Token: "s3cret", Monitors: &fakeMonitors{}})

	if rr := serve(t, srv, http.MethodGet, "/api/monitors", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := serve(t, srv, http.MethodGet, "/api/monitors", http.Header{"Authorization": {"Bearer wrong"}}); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
	if rr := serve(t, srv, http.MethodGet, "/api/monitors", http.Header{"Authorization": {"Bearer s3cret"}}); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rr.Code)
	}
	if rr := serve(t, srv, http.MethodGet, "/api/monitors?token=s3cret", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with query token, got %d", rr.Code)
	}
	if rr := serve(t, srv, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", rr.Code)
	}
}

func TestThreadsEndpoint(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	threads := &fakeThreads{records: []relay.Record{
		{ThreadID: "t-1", SessionID: "devin-1", CreatedAt: created},
		{ThreadID: "t-2", SessionID: "devin-2", Muted: true, CreatedAt: created},
	}}
	mons := &fakeMonitors{}
	mons.set(monitor.Snapshot{SessionID: "devin-1"})
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Threads: threads, Monitors: mons})

	rr := serve(t, srv, http.MethodGet, "/api/threads?since=6h", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if threads.window != 6*time.Hour {
		t.Fatalf("expected 6h window, got %s", threads.window)
	}
	var resp threadsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(resp.Threads))
	}
	if !resp.Threads[0].Monitored || resp.Threads[1].Monitored {
		t.Fatalf("monitored flags wrong: %+v", resp.Threads)
	}
	if !resp.Threads[1].Muted {
		t.Fatalf("expected t-2 muted")
	}

	serve(t, srv, http.MethodGet, "/api/threads", nil)
	if threads.window != defaultThreadsWindow {
		t.Fatalf("expected default window, got %s", threads.window)
	}

	if rr := serve(t, srv, http.MethodGet, "/api/threads?since=-1h", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", rr.Code)
	}

	threads.err = errors.New("disk gone")
	if rr := serve(t, srv, http.MethodGet, "/api/threads", nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestThreadsUnavailable(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	if rr := serve(t, srv, http.MethodGet, "/api/threads", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v after graceful shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
}

func TestLogsEndpoint(t *testing.T) {
	var asked int
	srv := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		LogTail: func(n int) [][]byte {
			asked = n
			return [][]byte{
				[]byte(`{"level":"INFO","msg":"relay_starting"}` + "\n"),
				[]byte("time=now level=WARN msg=text_record\n"),
				[]byte("\n"),
			}
		},
	})

	rr := serve(t, srv, http.MethodGet, "/api/logs", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if asked != defaultLogLines {
		t.Fatalf("expected default of %d lines, asked %d", defaultLogLines, asked)
	}
	var resp struct {
		Count   int   `json:"count"`
		Records []any `json:"records"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || len(resp.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v", resp)
	}
	if obj, ok := resp.Records[0].(map[string]any); !ok || obj["msg"] != "relay_starting" {
		t.Fatalf("expected JSON record first, got %#v", resp.Records[0])
	}
	if s, ok := resp.Records[1].(string); !ok || s != "time=now level=WARN msg=text_record" {
		t.Fatalf("expected text record as string, got %#v", resp.Records[1])
	}

	serve(t, srv, http.MethodGet, "/api/logs?lines=5000", nil)
	if asked != maxLogLines {
		t.Fatalf("expected lines capped at %d, asked %d", maxLogLines, asked)
	}

	if rr := serve(t, srv, http.MethodGet, "/api/logs?lines=-1", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad lines, got %d", rr.Code)
	}
}

func TestLogsEndpointUnconfigured(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	if rr := serve(t, srv, http.MethodGet, "/api/logs", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
