package app

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/data/manifest"
	"devloop/internal/engine/graph"
	"devloop/internal/engine/layer"

	"github.com/google/uuid"
)

// StartMode says how startup reconciled the manifest with the disk.
type StartMode string

const (
	StartRebuilt  StartMode = "rebuilt"
	StartResumed  StartMode = "resumed"
	StartUpToDate StartMode = "up-to-date"
)

// Reconcile loads the manifest and brings it in line with the disk without
// touching the server. A missing or corrupt manifest is rebuilt from a full
// scan; otherwise the graph is hydrated and the disk diff replayed as a
// synthetic batch.
func (a *App) Reconcile(ctx context.Context) (ports.BuildUpdate, StartMode, error) {
	err := a.store.Load()
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("no manifest found, building from scratch", "path", a.store.Path())
		return a.rebuild(ctx)
	case domainerrors.IsCode(err, domainerrors.CodeCorruptManifest):
		slog.Warn("manifest unreadable, rebuilding", "path", a.store.Path(), "error", err)
		a.store.Reset()
		return a.rebuild(ctx)
	default:
		return ports.BuildUpdate{}, "", err
	}

	records := a.store.Records()
	a.batchMu.Lock()
	a.graph = graph.Build(records)
	a.batchMu.Unlock()

	adopted := 0
	for _, rec := range records {
		if a.executor.Adopt(rec) {
			adopted++
		}
	}

	diff, err := a.store.DiffAgainstDisk(ctx, a.tree)
	if err != nil {
		return ports.BuildUpdate{}, "", err
	}
	slog.Info("manifest loaded",
		"files", len(records),
		"artifacts", adopted,
		"added", len(diff.Added),
		"modified", len(diff.Modified),
		"removed", len(diff.Removed),
	)

	paths := make([]string, 0, len(diff.Added)+len(diff.Modified)+len(diff.Removed))
	paths = append(paths, diff.Added...)
	paths = append(paths, diff.Modified...)
	paths = append(paths, diff.Removed...)
	if len(paths) == 0 {
		update := ports.BuildUpdate{BatchID: uuid.NewString(), At: time.Now(), Changed: []string{}, Dirty: []string{}}
		a.batchMu.Lock()
		update.Diagnostics = a.ruleDiagnostics(a.graph.Nodes())
		a.batchMu.Unlock()
		if err := a.compileMissing(ctx); err != nil {
			return update, StartUpToDate, err
		}
		a.emitUpdate(update)
		return update, StartUpToDate, nil
	}
	update, err := a.process(ctx, uuid.NewString(), time.Now(), paths, true)
	if err != nil {
		return update, StartResumed, err
	}
	return update, StartResumed, a.compileMissing(ctx)
}

// rebuild scans the whole tree as one synthetic batch.
func (a *App) rebuild(ctx context.Context) (ports.BuildUpdate, StartMode, error) {
	files, err := a.tree.List(ctx)
	if err != nil {
		return ports.BuildUpdate{}, "", err
	}
	a.batchMu.Lock()
	a.graph = graph.NewGraph()
	a.unresolved = make(map[string][]string)
	a.batchMu.Unlock()

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	update, err := a.process(ctx, uuid.NewString(), time.Now(), paths, true)
	return update, StartRebuilt, err
}

// compileMissing builds artifacts for unchanged files whose artifact could
// not be adopted, dependencies first.
func (a *App) compileMissing(ctx context.Context) error {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()

	cache := a.executor.Cache()
	var missing []string
	for _, rec := range a.store.Records() {
		if _, ok := cache.Get(rec.Path); ok || !a.executor.Compiles(rec.Path) {
			continue
		}
		missing = append(missing, rec.Path)
	}
	if len(missing) == 0 {
		return nil
	}
	slog.Info("rebuilding missing artifacts", "files", len(missing))

	order, _ := a.graph.TopologicalOrder(missing)
	outcome, err := a.executor.Execute(ctx, layer.Plan{BatchID: uuid.NewString(), Tier: manifest.TierNone, Order: order})
	a.recordCachePaths(outcome)
	if ferr := a.store.Flush(); ferr != nil {
		slog.Error("failed to flush manifest", "error", ferr)
	}
	return err
}

// Start reconciles, launches the server and forwards every tracked file to
// the health sink once.
func (a *App) Start(ctx context.Context) (ports.BuildUpdate, error) {
	update, mode, err := a.Reconcile(ctx)
	if err != nil {
		return update, err
	}
	slog.Info("startup reconciled", "mode", mode, "files", a.store.Len(), "duration", update.Duration)

	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return update, err
		}
	}
	a.batchMu.Lock()
	a.started = true
	a.batchMu.Unlock()

	a.forwardAll()
	return update, nil
}

// Close stops the supervised server.
func (a *App) Close(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Stop(ctx)
}
