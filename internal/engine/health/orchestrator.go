package health

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"devloop/internal/core/config"
	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/core/watcher"
	"devloop/internal/data/history"
	"devloop/internal/shared/observability"

	"golang.org/x/sync/errgroup"
)

type Options struct {
	Root            string
	Debounce        time.Duration
	InitTimeout     time.Duration
	CheckTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxRedeliveries int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	MaxInitAttempts int
}

// OptionsFrom maps the health config section onto orchestrator options.
func OptionsFrom(cfg config.Health, root string) Options {
	return Options{
		Root:            root,
		Debounce:        cfg.Debounce,
		InitTimeout:     cfg.InitTimeout,
		CheckTimeout:    cfg.CheckTimeout,
		ShutdownTimeout: 2 * time.Second,
		MaxRedeliveries: cfg.MaxRedeliveries,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		MaxInitAttempts: cfg.MaxInitAttempts,
	}
}

func (o *Options) normalize() {
	if o.InitTimeout <= 0 {
		o.InitTimeout = 10 * time.Second
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 2 * time.Second
	}
	if o.MaxRedeliveries < 0 {
		o.MaxRedeliveries = 0
	}
	if o.MaxInitAttempts <= 0 {
		o.MaxInitAttempts = 1
	}
}

// backoffDelay doubles from base per attempt, capped at maxDelay.
func backoffDelay(base, maxDelay time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// SessionInfo describes one worker for status output.
type SessionInfo struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	State     State  `json:"state"`
	HasConfig bool   `json:"hasConfig"`
	// Degraded is set when the worker could not be started and its files are
	// reported healthy.
	Degraded bool `json:"degraded"`
	Crashes  int  `json:"crashes"`
}

// Orchestrator debounces file changes and fans them out to one actor per
// worker kind. Each actor has at most one check in flight.
type Orchestrator struct {
	opts    Options
	spawn   Spawner
	history ports.BuildHistory
	view    *View
	batcher *watcher.Batcher
	workers []*worker
	busy    tracker
	seq     atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewOrchestrator(opts Options, kinds []string, spawn Spawner, hist ports.BuildHistory) *Orchestrator {
	opts.normalize()
	o := &Orchestrator{
		opts:    opts,
		spawn:   spawn,
		history: hist,
		view:    NewView(),
	}
	for _, k := range kinds {
		o.workers = append(o.workers, &worker{
			kind:      k,
			o:         o,
			inbox:     make(chan job, 64),
			deletedAt: make(map[string]uint64),
		})
	}
	o.batcher = watcher.NewBatcher(opts.Debounce, o.dispatch)
	return o
}

func (o *Orchestrator) View() *View { return o.view }

// Start spawns every worker concurrently and starts their actors. Workers
// that cannot be started run degraded; Start only fails on cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)

	g, gctx := errgroup.WithContext(o.ctx)
	for _, w := range o.workers {
		g.Go(func() error {
			w.spawnSession(gctx)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, w := range o.workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			w.run(o.ctx)
		}()
	}
	return nil
}

// Check queues files for checking. Calls within the debounce window coalesce.
func (o *Orchestrator) Check(files []ports.HealthFile) {
	for _, f := range files {
		content := f.Content
		if content == nil {
			content = []byte{}
		}
		o.batcher.Add(watcher.Change{Path: f.RelativePath, Op: watcher.OpModify, Content: content})
	}
}

// FilesDeleted forgets files. A result for a deleted path that is still in
// flight is discarded when it arrives.
func (o *Orchestrator) FilesDeleted(files []ports.HealthFile) {
	for _, f := range files {
		o.batcher.Add(watcher.Change{Path: f.RelativePath, Op: watcher.OpDelete})
	}
}

// Flush dispatches pending changes without waiting for the window.
func (o *Orchestrator) Flush() { o.batcher.Flush() }

// WaitIdle flushes and blocks until every dispatched job has been handled.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.Flush()
	select {
	case <-o.busy.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) abs(rel string) string {
	return filepath.Join(o.opts.Root, filepath.FromSlash(rel))
}

func (o *Orchestrator) dispatch(b watcher.Batch) {
	seq := o.seq.Add(1)
	var checks, deletes []FileInput
	var deleted []string
	for _, c := range b.Changes {
		in := FileInput{Path: o.abs(c.Path), RelativePath: c.Path}
		if c.Op == watcher.OpDelete {
			deletes = append(deletes, in)
			deleted = append(deleted, c.Path)
			continue
		}
		in.Content = string(c.Content)
		checks = append(checks, in)
	}

	if len(deleted) > 0 {
		o.view.Remove(deleted)
	}
	for _, w := range o.workers {
		if len(deleted) > 0 {
			w.markDeleted(deleted, seq)
		}
		o.busy.add(1)
		select {
		case w.inbox <- job{seq: seq, checks: checks, deletes: deletes}:
		case <-o.done():
			o.busy.add(-1)
		}
	}
}

func (o *Orchestrator) done() <-chan struct{} {
	if o.ctx == nil {
		return nil
	}
	return o.ctx.Done()
}

func (o *Orchestrator) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(o.workers))
	for _, w := range o.workers {
		out = append(out, w.info())
	}
	return out
}

// Close stops the actors and shuts every worker down.
func (o *Orchestrator) Close() {
	o.once.Do(func() {
		o.batcher.Stop()
		if o.cancel != nil {
			o.cancel()
		}
		o.wg.Wait()
		for _, w := range o.workers {
			if s := w.current(); s != nil {
				s.Shutdown(o.opts.ShutdownTimeout)
			}
		}
	})
}

func (o *Orchestrator) recordCrash(kind, sessionID string, err error) {
	observability.WorkerCrashesTotal.WithLabelValues(kind).Inc()
	if o.history == nil {
		return
	}
	if herr := o.history.RecordWorkerCrash(history.CrashEntry{
		At:        time.Now(),
		Kind:      kind,
		SessionID: sessionID,
		Reason:    err.Error(),
	}); herr != nil {
		slog.Warn("failed to record worker crash", "kind", kind, "error", herr)
	}
}

type job struct {
	seq     uint64
	checks  []FileInput
	deletes []FileInput
}

type worker struct {
	kind  string
	o     *Orchestrator
	inbox chan job

	mu        sync.Mutex
	session   *Session
	degraded  bool
	crashes   int
	deletedAt map[string]uint64
}

func (w *worker) current() *Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

func (w *worker) info() SessionInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := SessionInfo{Kind: w.kind, Degraded: w.degraded, Crashes: w.crashes, State: StateTerminated}
	if w.session != nil {
		info.SessionID = w.session.ID
		info.State = w.session.State()
		info.HasConfig = w.session.HasConfig()
	}
	return info
}

func (w *worker) markDeleted(paths []string, seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		w.deletedAt[p] = seq
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		var exited <-chan struct{}
		if s := w.current(); s != nil {
			exited = s.Done()
		}
		select {
		case <-ctx.Done():
			return
		case j := <-w.inbox:
			w.handle(ctx, j)
			w.o.busy.add(-1)
		case <-exited:
			s := w.current()
			err := s.failure(domainerrors.CodeWorkerCrash, nil, "worker exited while idle").
				WithContext(domainerrors.CtxExitCode, s.ExitCode())
			w.crashed(s, err)
			w.spawnSession(ctx)
		}
	}
}

func (w *worker) handle(ctx context.Context, j job) {
	if len(j.deletes) > 0 {
		if s := w.current(); s != nil {
			if err := s.Deleted(j.deletes); err != nil {
				slog.Debug("filesDeleted not delivered", "kind", w.kind, "error", err)
			}
		}
	}
	if len(j.checks) > 0 {
		w.check(ctx, j)
	}
}

func (w *worker) check(ctx context.Context, j job) {
	ctx, span := observability.Tracer.Start(ctx, "health.check")
	defer span.End()

	for redeliveries := 0; ; redeliveries++ {
		s := w.current()
		if s == nil {
			w.publish(j.seq, healthyAll(j.checks))
			return
		}

		start := time.Now()
		results, err := s.Check(ctx, j.checks, w.o.opts.CheckTimeout)
		observability.HealthCheckDuration.WithLabelValues(w.kind).Observe(time.Since(start).Seconds())
		if err == nil {
			w.publish(j.seq, results)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrRejected) || !domainerrors.IsCode(err, domainerrors.CodeWorkerCrash) {
			slog.Warn("health check rejected, reporting files healthy", "kind", w.kind, "error", err)
			w.publish(j.seq, healthyAll(j.checks))
			return
		}

		w.crashed(s, err)
		w.spawnSession(ctx)
		if redeliveries >= w.o.opts.MaxRedeliveries {
			slog.Warn("redelivery limit reached, reporting files healthy",
				"kind", w.kind, "files", len(j.checks), "redeliveries", redeliveries)
			w.publish(j.seq, healthyAll(j.checks))
			return
		}
		observability.WorkerRedeliveriesTotal.WithLabelValues(w.kind).Inc()
		slog.Info("redelivering health batch", "kind", w.kind, "files", len(j.checks))
	}
}

func (w *worker) crashed(s *Session, err error) {
	w.mu.Lock()
	w.crashes++
	w.mu.Unlock()
	slog.Warn("health worker crashed", "kind", w.kind, "session", s.ID, "error", err)
	w.o.recordCrash(w.kind, s.ID, err)
}

// publish drops results for paths deleted after the job was dispatched.
func (w *worker) publish(seq uint64, results []FileResult) {
	w.mu.Lock()
	kept := results[:0:0]
	for _, r := range results {
		if at, ok := w.deletedAt[resultKey(r)]; ok && at > seq {
			continue
		}
		kept = append(kept, r)
	}
	w.mu.Unlock()
	w.o.view.Update(w.kind, kept)
}

// spawnSession starts a fresh worker, retrying with backoff. After
// MaxInitAttempts the worker runs degraded and every file is healthy.
func (w *worker) spawnSession(ctx context.Context) {
	opts := w.o.opts
	var lastErr error
	for attempt := 1; attempt <= opts.MaxInitAttempts; attempt++ {
		t, err := w.o.spawn(ctx, w.kind)
		if err == nil {
			s := NewSession(w.kind, t)
			if err = s.Start(ctx, opts.Root, opts.InitTimeout); err == nil {
				w.mu.Lock()
				w.session = s
				w.degraded = false
				w.mu.Unlock()
				slog.Debug("health worker ready", "kind", w.kind, "session", s.ID, "has_config", s.HasConfig())
				return
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		slog.Warn("health worker failed to start", "kind", w.kind, "attempt", attempt, "error", err)
		if attempt == opts.MaxInitAttempts {
			break
		}
		select {
		case <-time.After(backoffDelay(opts.RetryBaseDelay, opts.RetryMaxDelay, attempt)):
		case <-ctx.Done():
		}
	}

	w.mu.Lock()
	w.session = nil
	w.degraded = true
	w.mu.Unlock()
	if ctx.Err() == nil {
		slog.Error("health worker disabled, files reported healthy",
			"kind", w.kind, "code", domainerrors.CodeWorkerInitFailure, "error", lastErr)
	}
}

func healthyAll(files []FileInput) []FileResult {
	out := make([]FileResult, 0, len(files))
	for _, f := range files {
		out = append(out, HealthyResult(f))
	}
	return out
}

// tracker counts outstanding jobs.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add(delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 && delta > 0 {
		t.idle = make(chan struct{})
	}
	t.n += delta
	if t.n == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}
}

func (t *tracker) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.idle
}
