// Package e2e exercises the full request path: bus -> router -> dispatcher
// -> shell -> response topic, with history and the ops API attached.
package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/edgecmd/internal/api"
	"github.com/mattjoyce/edgecmd/internal/bus"
	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/dispatch"
	"github.com/mattjoyce/edgecmd/internal/events"
	"github.com/mattjoyce/edgecmd/internal/history"
	"github.com/mattjoyce/edgecmd/internal/log"
	"github.com/mattjoyce/edgecmd/internal/router"
)

type envelope struct {
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response"`
}

func waitResponse(t *testing.T, ch <-chan bus.Message) envelope {
	t.Helper()
	select {
	case msg := <-ch:
		var env envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			t.Fatalf("invalid envelope %q: %v", msg.Payload, err)
		}
		return env
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for response")
		return envelope{}
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestEndToEndMemoryBus(t *testing.T) {
	log.SetupWriter("error", "json", io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Defaults()
	cfg.Bus.Transport = config.TransportMemory
	cfg.SSH.Enabled = false
	cfg.Topics.EdgeID = "pi-01"

	store, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	rt, err := router.New(cfg.Topics, cfg.Dispatch.Mode)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	client, err := bus.New(cfg.Bus, rt.OnConnect)
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	defer client.Close()
	mem := client.(*bus.Memory)
	responses := mem.Watch(cfg.Topics.ResponseRoot)

	hub := events.NewHub(32)
	disp := dispatch.New(cfg.Dispatch, cfg.SSH, rt, client,
		dispatch.WithEvents(hub),
		dispatch.WithRecorder(store),
	)

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	go func() { _ = disp.Start(ctx, client.Messages()) }()

	addr := freeAddr(t)
	srv := api.New(api.Config{Listen: addr, APIKey: "k"}, disp, client, store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = srv.Start(ctx) }()

	// 1. batch on the edge-scoped topic
	if err := client.Publish(cfg.Topics.RequestRoot+"/_edge/pi-01", []byte(`[{"command":"echo A"},{"command":"false"}]`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env := waitResponse(t, responses)
	var results []map[string]any
	if err := json.Unmarshal(env.Response, &results); err != nil {
		t.Fatalf("batch response: %v", err)
	}
	if len(results) != 2 || results[0]["stdout"] != "A\n" || results[0]["error"] != false || results[1]["error"] != true {
		t.Fatalf("unexpected batch results: %s", env.Response)
	}

	// 2. another edge's topic is not subscribed and never answered
	if err := client.Publish(cfg.Topics.RequestRoot+"/_edge/pi-02", []byte(`{"command":"echo nope"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// 3. malformed payload is dropped, the adapter keeps going
	if err := client.Publish(cfg.Topics.RequestRoot, []byte(`not json`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// 4. single on the broadcast topic
	if err := client.Publish(cfg.Topics.RequestRoot+"/_broadcast", []byte(`{"command":"echo hi"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env = waitResponse(t, responses)
	if string(env.Request) != `{"command":"echo hi"}` {
		t.Fatalf("request not echoed: %s", env.Request)
	}
	var single map[string]any
	if err := json.Unmarshal(env.Response, &single); err != nil {
		t.Fatalf("single response: %v", err)
	}
	if single["stdout"] != "hi\n" || single["stderr"] != "" || single["error"] != false {
		t.Fatalf("unexpected single result: %s", env.Response)
	}

	// Events are emitted last in each request, after history is written.
	deadline := time.Now().Add(5 * time.Second)
	for len(hub.SnapshotSince(0)) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 events, got %d", len(hub.SnapshotSince(0)))
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := disp.Stats()
	if stats.Processed != 2 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 || entries[0].Shape != "single" || entries[1].Failed != 1 {
		t.Fatalf("unexpected history %+v", entries)
	}

	// 5. ops API reflects the same state
	var health api.HealthzResponse
	getJSON(t, ctx, "http://"+addr+"/healthz", "", &health)
	if !health.BusConnected || health.MessagesProcessed != 2 || health.MessagesDropped != 1 {
		t.Fatalf("unexpected health %+v", health)
	}

	var hist api.HistoryResponse
	getJSON(t, ctx, "http://"+addr+"/history?limit=1", "k", &hist)
	if len(hist.Entries) != 1 || hist.Entries[0].ID != entries[0].ID {
		t.Fatalf("unexpected API history %+v", hist.Entries)
	}

	snap := hub.SnapshotSince(0)
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	if snap[1].Type != events.TypeRequestDropped {
		t.Fatalf("expected drop event second, got %s", snap[1].Type)
	}
}

func TestHistoryRedactsSSHPasswordEndToEnd(t *testing.T) {
	log.SetupWriter("error", "json", io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Defaults()
	cfg.Bus.Transport = config.TransportMemory
	cfg.SSH.Enabled = false

	store, err := history.Open(ctx, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()

	rt, err := router.New(cfg.Topics, cfg.Dispatch.Mode)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	client, err := bus.New(cfg.Bus, rt.OnConnect)
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	defer client.Close()
	responses := client.(*bus.Memory).Watch(cfg.Topics.ResponseRoot)

	hub := events.NewHub(8)
	disp := dispatch.New(cfg.Dispatch, cfg.SSH, rt, client,
		dispatch.WithEvents(hub),
		dispatch.WithRecorder(store),
	)
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	go func() { _ = disp.Start(ctx, client.Messages()) }()

	addr := freeAddr(t)
	srv := api.New(api.Config{Listen: addr, APIKey: "k"}, disp, client, store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = srv.Start(ctx) }()

	payload := `[{"command":"true","useSsh":true,"sshHost":"10.0.0.2","sshUser":"pi","sshPassword":"hunter2"}]`
	if err := client.Publish(cfg.Topics.RequestRoot, []byte(payload)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env := waitResponse(t, responses)
	if string(env.Request) != payload {
		t.Fatalf("published request not echoed verbatim: %s", env.Request)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(hub.SnapshotSince(0)) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the processed event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var hist json.RawMessage
	getJSON(t, ctx, "http://"+addr+"/history", "k", &hist)
	if strings.Contains(string(hist), "hunter2") {
		t.Fatalf("GET /history exposes the ssh password: %s", hist)
	}
	if !strings.Contains(string(hist), `"sshPassword":"***"`) {
		t.Fatalf("GET /history lost the redacted request: %s", hist)
	}

	entries, err := store.Recent(ctx, 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("recent: %v %+v", err, entries)
	}
	var one json.RawMessage
	getJSON(t, ctx, "http://"+addr+"/history/"+entries[0].ID, "k", &one)
	if strings.Contains(string(one), "hunter2") {
		t.Fatalf("GET /history/{id} exposes the ssh password: %s", one)
	}
}

func getJSON(t *testing.T, ctx context.Context, url, token string, out any) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			if time.Now().After(deadline) {
				t.Fatalf("GET %s: %v", url, err)
			}
			time.Sleep(20 * time.Millisecond)
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", url, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
		return
	}
}
