package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/edgecmd/internal/dispatch"
	"github.com/mattjoyce/edgecmd/internal/events"
	"github.com/mattjoyce/edgecmd/internal/history"
)

const testAPIKey = "test-key"

type staticStats struct {
	stats dispatch.Stats
}

func (s staticStats) Stats() dispatch.Stats { return s.stats }

type staticBus bool

func (b staticBus) Connected() bool { return bool(b) }

// mockHistory implements HistoryReader for testing
type mockHistory struct {
	entries   []history.Entry
	err       error
	lastLimit int
}

func (m *mockHistory) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.entries) {
		return m.entries[:limit], nil
	}
	return m.entries, nil
}

func (m *mockHistory) Get(_ context.Context, id string) (*history.Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.entries {
		if m.entries[i].ID == id {
			return &m.entries[i], nil
		}
	}
	return nil, history.ErrNotFound
}

func newTestServer(h HistoryReader) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Listen: "127.0.0.1:0", APIKey: testAPIKey}, staticStats{}, staticBus(true), h, events.NewHub(16), logger)
}

func authedRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return req
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	last := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	server := newTestServer(nil)
	server.stats = staticStats{stats: dispatch.Stats{Processed: 7, Dropped: 2, LastMessageAt: last}}

	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp HealthzResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || !resp.BusConnected {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.MessagesProcessed != 7 || resp.MessagesDropped != 2 {
		t.Fatalf("unexpected counters: %+v", resp)
	}
	if resp.LastMessageAt == nil || !resp.LastMessageAt.Equal(last) {
		t.Fatalf("unexpected last_message_at: %v", resp.LastMessageAt)
	}
}

func TestHandleHealthz_BusDown(t *testing.T) {
	server := newTestServer(nil)
	server.bus = staticBus(false)

	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp HealthzResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "degraded" || resp.BusConnected {
		t.Fatalf("expected degraded, got %+v", resp)
	}
	if resp.LastMessageAt != nil {
		t.Fatalf("expected no last_message_at, got %v", resp.LastMessageAt)
	}
}

func TestHandleListHistory(t *testing.T) {
	h := &mockHistory{entries: []history.Entry{
		{ID: "b", Topic: "edge/command/request", Shape: "single", Request: json.RawMessage(`{"command":"ls"}`), Response: json.RawMessage(`{}`)},
		{ID: "a", Topic: "edge/command/request", Shape: "batch", Request: json.RawMessage(`[]`), Response: json.RawMessage(`[]`)},
	}}
	server := newTestServer(h)

	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, authedRequest(http.MethodGet, "/history?limit=1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp HistoryResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if h.lastLimit != 1 || len(resp.Entries) != 1 || resp.Entries[0].ID != "b" {
		t.Fatalf("unexpected entries %+v (limit %d)", resp.Entries, h.lastLimit)
	}
}

func TestHandleListHistory_Limits(t *testing.T) {
	h := &mockHistory{}
	router := newTestServer(h).setupRoutes()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/history"))
	if rr.Code != http.StatusOK || h.lastLimit != history.DefaultLimit {
		t.Fatalf("expected default limit, got code %d limit %d", rr.Code, h.lastLimit)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/history?limit=999999"))
	if rr.Code != http.StatusOK || h.lastLimit != maxHistoryLimit {
		t.Fatalf("expected capped limit, got code %d limit %d", rr.Code, h.lastLimit)
	}

	for _, bad := range []string{"0", "-3", "ten"} {
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, authedRequest(http.MethodGet, "/history?limit="+bad))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", bad, rr.Code)
		}
	}
}

func TestHandleListHistory_StoreError(t *testing.T) {
	server := newTestServer(&mockHistory{err: errors.New("database is locked")})

	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, authedRequest(http.MethodGet, "/history"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "locked") {
		t.Fatalf("store error leaked to client: %s", rr.Body.String())
	}
}

func TestHandleGetHistory(t *testing.T) {
	h := &mockHistory{entries: []history.Entry{{ID: "abc", Request: json.RawMessage(`{}`), Response: json.RawMessage(`{}`)}}}
	router := newTestServer(h).setupRoutes()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/history/abc"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var entry history.Entry
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if entry.ID != "abc" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/history/missing"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestHandleHistory_Disabled(t *testing.T) {
	router := newTestServer(nil).setupRoutes()

	for _, path := range []string{"/history", "/history/abc"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authedRequest(http.MethodGet, path))
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected status 404, got %d", path, rr.Code)
		}
	}
}

func TestHandleEvents_Unauthorized(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(nil).setupRoutes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/events", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestHandleEvents_ReplaysAndStreams(t *testing.T) {
	server := newTestServer(nil)
	server.events.Publish(events.TypeRequestDropped, events.RequestDropped{Topic: "edge/command/request", Error: "bad"})

	ts := httptest.NewServer(server.setupRoutes())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	first := readSSEFrame(t, reader)
	if !strings.Contains(first, "id: 1") || !strings.Contains(first, "event: request.dropped") {
		t.Fatalf("unexpected replayed frame %q", first)
	}

	server.events.Publish(events.TypeRequestProcessed, events.RequestProcessed{Commands: 2})
	second := readSSEFrame(t, reader)
	if !strings.Contains(second, "id: 2") || !strings.Contains(second, `"commands":2`) {
		t.Fatalf("unexpected live frame %q", second)
	}
}

func readSSEFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if line == "\n" {
			if sb.Len() == 0 {
				continue
			}
			return sb.String()
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		sb.WriteString(line)
	}
}

func TestParseLastEventID(t *testing.T) {
	cases := map[string]int64{"": 0, "12": 12, "-1": 0, "x": 0}
	for in, want := range cases {
		if got := parseLastEventID(in); got != want {
			t.Fatalf("parseLastEventID(%q) = %d, want %d", in, got, want)
		}
	}
}
