package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	coreapp "devloop/internal/core/app"
	"devloop/internal/core/config"
	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/core/watcher"
	"devloop/internal/data/history"
	"devloop/internal/data/queue"
	"devloop/internal/data/source"
	"devloop/internal/engine/health"
	"devloop/internal/engine/layer"
	"devloop/internal/shared/observability"
	"devloop/internal/shared/util"
	"devloop/internal/ui/report"
)

const (
	shutdownTimeout    = 5 * time.Second
	batchQueueCapacity = 64
	// Heap size above which the runtime probe reports degraded.
	heapWarnMB = 2048
)

type runtime struct {
	cfg     *config.Config
	cfgPath string
	paths   config.ResolvedPaths

	app        *coreapp.App
	classifier *layer.Classifier
	supervisor *layer.Supervisor
	orch       *health.Orchestrator
	store      *history.Store
	status     *coreapp.HealthService

	shutdownTracing func(context.Context) error
}

func newRuntime(ctx context.Context, cfg *config.Config, cfgPath string, paths config.ResolvedPaths, opts cliOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, cfgPath: cfgPath, paths: paths}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName:    "devloop",
		ServiceVersion: versionString,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	rt.shutdownTracing = shutdown

	var hist ports.BuildHistory
	if cfg.History.Enabled {
		store, err := history.Open(paths.HistoryDB)
		if err != nil {
			slog.Warn("build history disabled", "path", paths.HistoryDB, "error", err)
		} else {
			rt.store = store
			hist = store
		}
	}

	var server ports.ServerProcess
	if !opts.once {
		rt.supervisor = layer.NewSupervisor(cfg.Server, paths.ProjectRoot, hist)
		if opts.ui {
			rt.supervisor.Stdout = &logWriter{stream: "stdout"}
			rt.supervisor.Stderr = &logWriter{stream: "stderr"}
		}
		if rt.supervisor.Configured() {
			server = rt.supervisor
		} else {
			slog.Warn("no server command configured, changes are built but nothing is launched")
		}
	}

	var kinds []string
	if cfg.Health.Enabled {
		for _, w := range cfg.Health.Workers {
			kinds = append(kinds, w.Kind)
		}
	}
	rt.orch = health.NewOrchestrator(health.OptionsFrom(cfg.Health, paths.ProjectRoot), kinds, rt.spawner(), hist)

	rt.app, err = coreapp.New(cfg, paths, server, rt.orch, hist)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.classifier, err = layer.NewClassifier(cfg.Layers)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.status = coreapp.NewHealthService(rt.app, rt.workersProbe, rt.projectProbe, runtimeProbe)
	return rt, nil
}

func (rt *runtime) spawner() health.Spawner {
	if rt.cfg.Health.Isolation == config.IsolationInProcess {
		return health.InProcessSpawner(func(kind string) (health.Checker, error) {
			return health.NewChecker(workerConfig(rt.cfg, kind))
		})
	}
	return health.ProcessSpawner(rt.cfgPath)
}

func (rt *runtime) workersProbe(context.Context) (string, string, bool) {
	sessions := rt.orch.Sessions()
	parts := make([]string, 0, len(sessions))
	ok := true
	for _, s := range sessions {
		part := fmt.Sprintf("%s=%s", s.Kind, s.State)
		if s.Degraded {
			part += " (degraded)"
			ok = false
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "workers", "none", true
	}
	return "workers", strings.Join(parts, ", "), ok
}

// projectProbe reports lint and syntax health. Unhealthy source files are the
// developer's concern, not the tool's, so they never degrade the status.
func (rt *runtime) projectProbe(context.Context) (string, string, bool) {
	snap := rt.orch.View().Snapshot()
	if snap.Healthy {
		return "project", fmt.Sprintf("healthy (%d files)", len(snap.Files)), true
	}
	return "project", fmt.Sprintf("%d of %d files unhealthy", snap.Unhealthy, len(snap.Files)), true
}

func runtimeProbe(context.Context) (string, string, bool) {
	stats := util.ReadRuntimeStats()
	return "runtime", fmt.Sprintf("heap %dMB, %d goroutines", stats.HeapAllocMB, stats.Goroutines), stats.HeapAllocMB < heapWarnMB
}

func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rt.app != nil {
		if err := rt.app.Close(ctx); err != nil {
			slog.Warn("failed to stop server", "error", err)
		}
	}
	if rt.orch != nil {
		rt.orch.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			slog.Warn("failed to close history store", "error", err)
		}
	}
	if rt.shutdownTracing != nil {
		if err := rt.shutdownTracing(ctx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}
}

// runOnce builds the project, runs one health pass and reports. The exit code
// is non-zero when any file is unhealthy or the build produced diagnostics
// other than cycles.
func (rt *runtime) runOnce(ctx context.Context, w io.Writer, opts cliOptions) int {
	if err := rt.orch.Start(ctx); err != nil {
		slog.Error("failed to start health workers", "error", err)
		return 1
	}
	update, err := rt.app.Start(ctx)
	if err != nil {
		slog.Error("build failed", "error", err)
		return 1
	}
	// Startup only reports cycles its own batch reached; a resumed manifest
	// may have none.
	update.Cycles = rt.app.Graph().DetectCycles()

	rt.orch.Flush()
	waitCtx, cancel := context.WithTimeout(ctx, rt.onceWait())
	defer cancel()
	if err := rt.orch.WaitIdle(waitCtx); err != nil {
		slog.Warn("health checks did not settle", "error", err)
	}

	snap := rt.orch.View().Snapshot()
	printSummary(w, rt.app.Graph().NodeCount(), rt.app.Graph().EdgeCount(), update, snap, rt.orch.Sessions())

	if err := rt.writeReports(opts, update, snap); err != nil {
		slog.Error("failed to write reports", "error", err)
		return 1
	}

	if !snap.Healthy || hasBuildErrors(update) {
		return 1
	}
	return 0
}

func (rt *runtime) onceWait() time.Duration {
	h := rt.cfg.Health
	wait := h.InitTimeout + h.CheckTimeout*time.Duration(h.MaxRedeliveries+1)
	if wait < 10*time.Second {
		wait = 10 * time.Second
	}
	return wait
}

func (rt *runtime) writeReports(opts cliOptions, update ports.BuildUpdate, snap health.Snapshot) error {
	if opts.sarif != "" {
		data, err := report.GenerateSARIF(rt.paths.ProjectRoot, versionString, update, snap)
		if err != nil {
			return fmt.Errorf("generate SARIF: %w", err)
		}
		if err := util.WriteFileWithDirs(opts.sarif, data, 0o644); err != nil {
			return fmt.Errorf("write SARIF %q: %w", opts.sarif, err)
		}
	}
	if opts.graphMermaid == "" && opts.graphMarkdown == "" {
		return nil
	}

	diagram := report.GenerateMermaid(rt.app.Graph(), rt.classifier.TypeOf, update.Cycles)
	if opts.graphMermaid != "" {
		if err := util.WriteFileWithDirs(opts.graphMermaid, []byte(diagram), 0o644); err != nil {
			return fmt.Errorf("write mermaid %q: %w", opts.graphMermaid, err)
		}
	}
	if opts.graphMarkdown != "" {
		if err := report.InjectDiagram(opts.graphMarkdown, "graph", diagram); err != nil {
			return err
		}
	}
	return nil
}

func hasBuildErrors(update ports.BuildUpdate) bool {
	for _, d := range update.Diagnostics {
		if d.Code != string(domainerrors.CodeGraphCycleDetected) {
			return true
		}
	}
	return false
}

func (rt *runtime) runWatch(ctx context.Context, opts cliOptions) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obs *ObservabilityServer
	if rt.cfg.Observability.Enabled {
		obs = NewObservabilityServer(rt.cfg.Observability.Address, rt.status, rt.orch.View(), rt.orch.Sessions, rt.app)
		if err := obs.Start(ctx); err != nil {
			slog.Error("failed to start observability server", "error", err)
			obs = nil
		}
	}
	defer func() {
		if obs == nil {
			return
		}
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := obs.Stop(stopCtx); err != nil {
			slog.Warn("failed to stop observability server", "error", err)
		}
	}()

	if err := rt.orch.Start(ctx); err != nil {
		slog.Error("failed to start health workers", "error", err)
		return 1
	}
	initial, err := rt.app.Start(ctx)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}

	fatal := make(chan error, 1)
	reportFatal := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}
	go func() {
		select {
		case err := <-rt.supervisor.Fatal():
			reportFatal(err)
		case <-ctx.Done():
		}
	}()

	filter, err := source.NewFilter(rt.cfg.Exclude.Dirs, rt.cfg.Exclude.Files, rt.cfg.Sources.Extensions, rt.cfg.Sources.Include)
	if err != nil {
		slog.Error("invalid source filter", "error", err)
		return 1
	}
	batches := queue.NewBatchQueue(batchQueueCapacity)
	defer batches.Close()
	go rt.consume(ctx, batches, reportFatal)

	fw, err := watcher.NewWatcher(rt.cfg.Watch.Debounce, filter, func(b watcher.Batch) {
		if err := batches.Enqueue(ctx, b); err != nil {
			slog.Debug("batch not queued", "batch", b.ID, "error", err)
		}
	})
	if err != nil {
		slog.Error("failed to create watcher", "error", err)
		return 1
	}
	defer fw.Close()
	if err := fw.Watch(rt.paths.WatchPaths); err != nil {
		slog.Error("failed to watch paths", "paths", rt.paths.WatchPaths, "error", err)
		return 1
	}

	if rt.cfgPath != "" {
		cw := config.NewWatcher(rt.cfgPath, func(next *config.Config) {
			fw.SetDebounce(next.Watch.Debounce)
			slog.Info("config reloaded", "debounce", next.Watch.Debounce)
		})
		if err := cw.Start(ctx); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			defer cw.Stop()
		}
	}

	slog.Info("watching for changes", "root", rt.paths.ProjectRoot, "paths", rt.paths.WatchPaths)

	if opts.ui {
		if err := runUI(ctx, rt, initial, fatal); err != nil {
			slog.Error("ui failed", "error", err)
			return 1
		}
		return 0
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return 0
	case err := <-fatal:
		slog.Error("supervision ended", "error", err)
		return 1
	}
}

// consume applies queued batches one at a time. Batches that arrived while
// the previous one was building are merged first.
func (rt *runtime) consume(ctx context.Context, q *queue.BatchQueue, reportFatal func(error)) {
	for {
		pending, err := q.DequeueBatch(ctx, batchQueueCapacity, time.Second)
		if len(pending) > 0 {
			b := queue.Merge(pending)
			update, herr := rt.app.HandleBatch(ctx, b)
			switch {
			case herr == nil:
				if update.BatchID != "" {
					slog.Info("batch applied", "batch", update.BatchID, "tier", update.Tier, "changed", len(update.Changed), "dirty", len(update.Dirty), "duration", update.Duration, "merged", len(pending))
				}
			case domainerrors.IsFatal(herr):
				reportFatal(herr)
			default:
				slog.Error("batch failed", "batch", b.ID, "error", herr)
			}
		}
		if err != nil {
			return
		}
	}
}

func printSummary(w io.Writer, files, edges int, update ports.BuildUpdate, snap health.Snapshot, sessions []health.SessionInfo) {
	fmt.Fprintf(w, "Build: %d files, %d imports (%s)\n", files, edges, update.Duration.Round(time.Millisecond))

	if len(update.Cycles) > 0 {
		fmt.Fprintf(w, "Cycles: %d\n", len(update.Cycles))
		for _, c := range update.Cycles {
			fmt.Fprintf(w, "  %s\n", strings.Join(c, " -> "))
		}
	}
	var diags []ports.Diagnostic
	for _, d := range update.Diagnostics {
		if d.Code != string(domainerrors.CodeGraphCycleDetected) {
			diags = append(diags, d)
		}
	}
	if len(diags) > 0 {
		fmt.Fprintf(w, "Diagnostics: %d\n", len(diags))
		for _, d := range diags {
			fmt.Fprintf(w, "  [%s] %s: %s\n", d.Code, d.Path, d.Message)
		}
	}

	if snap.Healthy {
		fmt.Fprintf(w, "Health: all %d files healthy\n", len(snap.Files))
	} else {
		fmt.Fprintf(w, "Health: %d of %d files unhealthy\n", snap.Unhealthy, len(snap.Files))
	}
	for _, f := range snap.Files {
		if f.Healthy && len(f.Warnings) == 0 {
			continue
		}
		fmt.Fprintf(w, "  %s: %d error(s), %d warning(s)", f.Path, len(f.Errors), len(f.Warnings))
		if len(f.Kinds) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(f.Kinds, ","))
		}
		fmt.Fprintln(w)
		for _, d := range f.Errors {
			fmt.Fprintf(w, "    %d:%d %s\n", d.Line, d.Column, diagnosticText(d))
		}
	}

	for _, s := range sessions {
		state := string(s.State)
		if s.Degraded {
			state += ", degraded"
		}
		fmt.Fprintf(w, "Worker %s: %s (crashes %d)\n", s.Kind, state, s.Crashes)
	}
}

func diagnosticText(d health.Diagnostic) string {
	if d.RuleID != "" {
		return fmt.Sprintf("%s (%s)", d.Message, d.RuleID)
	}
	return d.Message
}
