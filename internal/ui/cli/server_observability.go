package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	coreapp "devloop/internal/core/app"
	"devloop/internal/core/ports"
	"devloop/internal/engine/health"
	"devloop/internal/shared/util"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	streamRate  = 10
	streamBurst = 5
	streamTTL   = 5 * time.Minute
)

type statusChecker interface {
	Check(ctx context.Context) coreapp.HealthStatus
}

type healthResponse struct {
	coreapp.HealthStatus
	Project *health.Snapshot     `json:"project,omitempty"`
	Workers []health.SessionInfo `json:"workers,omitempty"`
}

type ObservabilityServer struct {
	addr     string
	status   statusChecker
	view     *health.View
	sessions func() []health.SessionInfo
	build    ports.BuildService
	limiters *util.LimiterRegistry
	server   *http.Server
}

// NewObservabilityServer serves metrics, the health document and a live
// event stream. view, sessions and build may be nil.
func NewObservabilityServer(addr string, status statusChecker, view *health.View, sessions func() []health.SessionInfo, build ports.BuildService) *ObservabilityServer {
	return &ObservabilityServer{
		addr:     addr,
		status:   status,
		view:     view,
		sessions: sessions,
		build:    build,
		limiters: util.NewLimiterRegistry(streamRate, streamBurst, streamTTL),
	}
}

func (s *ObservabilityServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/stream", s.handleStream)
	return mux
}

func (s *ObservabilityServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("observability server starting", "addr", ln.Addr().String())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("observability server failed", "error", err)
		}
	}()

	return nil
}

func (s *ObservabilityServer) Stop(ctx context.Context) error {
	s.limiters.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *ObservabilityServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{HealthStatus: s.status.Check(r.Context())}
	if s.view != nil {
		snap := s.view.Snapshot()
		resp.Project = &snap
	}
	if s.sessions != nil {
		resp.Workers = s.sessions()
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "up" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("failed to write health response", "error", err)
	}
}

// handleStream pushes health snapshots and build updates as server-sent
// events. Under the per-client rate limit only the newest event of each kind
// is sent.
func (s *ObservabilityServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	clientID := uuid.NewString()
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	limiter := s.limiters.Get(host)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	pending := newLatestEvents()
	if s.view != nil {
		pending.put("health", s.view.Snapshot())
		defer s.view.Subscribe(func(snap health.Snapshot) { pending.put("health", snap) })()
	}
	if s.build != nil {
		if last, ok := s.build.LastUpdate(); ok {
			pending.put("build", last)
		}
		defer s.build.Subscribe(func(u ports.BuildUpdate) { pending.put("build", u) })()
	}

	slog.Debug("stream client connected", "client", clientID, "remote", host)
	defer slog.Debug("stream client disconnected", "client", clientID)

	ctx := r.Context()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-pending.notify:
		}
		if err := limiter.Wait(ctx, 1); err != nil {
			return
		}
		for _, ev := range pending.take() {
			data, err := json.Marshal(ev.data)
			if err != nil {
				slog.Warn("failed to encode stream event", "event", ev.name, "error", err)
				continue
			}
			seq++
			if _, err := fmt.Fprintf(w, "id: %s-%d\nevent: %s\ndata: %s\n\n", clientID, seq, ev.name, data); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

type streamEvent struct {
	name string
	data any
}

// latestEvents keeps the newest payload per event name until it is taken.
type latestEvents struct {
	mu      sync.Mutex
	pending map[string]any
	order   []string
	notify  chan struct{}
}

func newLatestEvents() *latestEvents {
	return &latestEvents{
		pending: make(map[string]any),
		notify:  make(chan struct{}, 1),
	}
}

func (l *latestEvents) put(name string, data any) {
	l.mu.Lock()
	if _, ok := l.pending[name]; !ok {
		l.order = append(l.order, name)
	}
	l.pending[name] = data
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *latestEvents) take() []streamEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]streamEvent, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, streamEvent{name: name, data: l.pending[name]})
	}
	l.pending = make(map[string]any)
	l.order = nil
	return out
}
