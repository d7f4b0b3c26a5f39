package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	coreapp "devloop/internal/core/app"
	"devloop/internal/core/ports"
	"devloop/internal/engine/health"
)

type fixedStatus struct{ status string }

func (f fixedStatus) Check(context.Context) coreapp.HealthStatus {
	return coreapp.HealthStatus{Status: f.status, Timestamp: time.Now(), Components: map[string]string{"graph": "ok"}}
}

type fakeBuild struct {
	mu   sync.Mutex
	subs []func(ports.BuildUpdate)
}

func (b *fakeBuild) Start(context.Context) (ports.BuildUpdate, error) {
	return ports.BuildUpdate{}, nil
}
func (b *fakeBuild) LastUpdate() (ports.BuildUpdate, bool) { return ports.BuildUpdate{}, false }
func (b *fakeBuild) Subscribe(fn func(ports.BuildUpdate)) func() {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	return func() {}
}

func (b *fakeBuild) emit(u ports.BuildUpdate) {
	b.mu.Lock()
	subs := append([]func(ports.BuildUpdate){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (b *fakeBuild) subscribed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

func TestObservabilityServer_Health(t *testing.T) {
	view := health.NewView()
	sessions := func() []health.SessionInfo { return []health.SessionInfo{{Kind: "syntax", State: "ready"}} }

	s := NewObservabilityServer("127.0.0.1:0", fixedStatus{status: "up"}, view, sessions, nil)
	defer s.Stop(context.Background())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "up" {
		t.Fatalf("unexpected status: %v", body["status"])
	}
	if _, ok := body["project"]; !ok {
		t.Fatalf("missing project snapshot: %v", body)
	}
	if workers, ok := body["workers"].([]any); !ok || len(workers) != 1 {
		t.Fatalf("unexpected workers: %v", body["workers"])
	}

	degraded := NewObservabilityServer("127.0.0.1:0", fixedStatus{status: "degraded"}, nil, nil, nil)
	defer degraded.Stop(context.Background())
	rec := httptest.NewRecorder()
	degraded.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for degraded status, got %d", rec.Code)
	}
}

func TestObservabilityServer_Metrics(t *testing.T) {
	s := NewObservabilityServer("127.0.0.1:0", fixedStatus{status: "up"}, nil, nil, nil)
	defer s.Stop(context.Background())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "devloop_") {
		t.Fatalf("expected devloop metrics in output")
	}
}

func TestObservabilityServer_Stream(t *testing.T) {
	view := health.NewView()
	build := &fakeBuild{}
	s := NewObservabilityServer("127.0.0.1:0", fixedStatus{status: "up"}, view, nil, build)
	defer s.Stop(context.Background())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/health/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				events <- name
			}
		}
		close(events)
	}()

	next := func() string {
		select {
		case name, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return name
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream event")
		}
		return ""
	}

	if got := next(); got != "health" {
		t.Fatalf("expected initial health event, got %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !build.subscribed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	build.emit(ports.BuildUpdate{BatchID: "b1"})
	if got := next(); got != "build" {
		t.Fatalf("expected build event, got %q", got)
	}

	view.Update("syntax", []health.FileResult{{Path: "/p/a.ts", RelativePath: "a.ts", Healthy: false, Errors: []health.Diagnostic{{Message: "x"}}}})
	if got := next(); got != "health" {
		t.Fatalf("expected health event after update, got %q", got)
	}
}
