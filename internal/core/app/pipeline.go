package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/core/watcher"
	"devloop/internal/data/history"
	"devloop/internal/data/manifest"
	"devloop/internal/data/source"
	"devloop/internal/engine/graph"
	"devloop/internal/engine/layer"
	"devloop/internal/shared/observability"
	"devloop/internal/shared/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// batchState accumulates what one batch did to the manifest and graph.
type batchState struct {
	id        string
	at        time.Time
	changed   []string
	removed   []string
	contents  map[string][]byte
	modTimes  map[string]time.Time
	touched   map[string]bool
	created   bool
	diags     []ports.Diagnostic
	synthetic bool
}

func (s *batchState) diag(path string, err error) {
	s.diags = append(s.diags, ports.Diagnostic{
		Path:    path,
		Code:    string(domainerrors.CodeOf(err)),
		Message: err.Error(),
	})
}

// HandleBatch processes one watcher batch. Paths are absolute; untracked
// paths are ignored. The returned error is non-nil only for a failed full
// restart.
func (a *App) HandleBatch(ctx context.Context, b watcher.Batch) (ports.BuildUpdate, error) {
	rels := make([]string, 0, len(b.Changes))
	for _, c := range b.Changes {
		rel, err := a.tree.Rel(c.Path)
		if err != nil {
			slog.Debug("ignoring change outside project root", "path", c.Path)
			continue
		}
		rels = append(rels, rel)
	}
	id := b.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := b.At
	if at.IsZero() {
		at = time.Now()
	}
	return a.process(ctx, id, at, rels, false)
}

// process runs the pipeline for project-relative paths. The disposition of
// each path is taken from disk rather than from the event: a path that no
// longer exists is removed, anything else is created or modified.
func (a *App) process(ctx context.Context, id string, at time.Time, rels []string, synthetic bool) (ports.BuildUpdate, error) {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()

	ctx, span := observability.Tracer.Start(ctx, "app.process", trace.WithAttributes(
		attribute.String("batch", id),
		attribute.Int("paths", len(rels)),
		attribute.Bool("synthetic", synthetic),
	))
	defer span.End()

	start := time.Now()
	st := &batchState{
		id:        id,
		at:        at,
		contents:  make(map[string][]byte),
		modTimes:  make(map[string]time.Time),
		touched:   make(map[string]bool),
		synthetic: synthetic,
	}

	a.reconcile(st, util.SortedUnique(rels))
	for _, rel := range st.removed {
		a.removeFile(st, rel)
	}
	for _, rel := range st.changed {
		a.upsertFile(st, rel)
	}
	if st.created {
		a.retryUnresolved(st)
	}
	a.syncDependents(st)

	seeds := util.SortedUnique(append(append([]string{}, st.changed...), st.removed...))
	update := ports.BuildUpdate{
		BatchID: id,
		At:      at,
		Changed: seeds,
		Dirty:   []string{},
	}
	if len(seeds) == 0 {
		// Touch-only batches are not reported to subscribers.
		if err := a.flush(st); err != nil {
			slog.Error("failed to flush manifest", "error", err)
		}
		update.Duration = time.Since(start)
		return update, nil
	}

	dirty := a.graph.DirtySetFor(seeds)
	for _, cycle := range dirty.Cycles {
		err := domainerrors.New(domainerrors.CodeGraphCycleDetected, "import cycle: "+strings.Join(cycle, " -> "))
		slog.Warn("dependency cycle", "files", cycle)
		st.diag(cycle[0], err)
	}

	// Files whose edges moved are re-checked; a synthetic batch checks all.
	ruleFiles := util.SortedStringKeys(st.touched)
	if synthetic {
		ruleFiles = a.graph.Nodes()
	}
	st.diags = append(st.diags, a.ruleDiagnostics(ruleFiles)...)

	assessment := a.classifier.Assess(a.graph, seeds, a.classifier.TypeOf)
	tier := assessment.Tier
	if tier == manifest.TierFullRestart {
		a.rebuildGraph()
	}

	existing := make([]string, 0, len(dirty.Paths))
	for _, p := range dirty.Paths {
		if _, ok := a.store.Get(p); ok {
			existing = append(existing, p)
		}
	}
	order, _ := a.graph.TopologicalOrder(existing)

	plan := layer.Plan{BatchID: id, Tier: tier, Order: order, Removed: st.removed}
	if !a.started {
		// Nothing is running yet: compile only.
		plan.Tier = manifest.TierNone
	}
	outcome, execErr := a.executor.Execute(ctx, plan)
	a.recordCachePaths(outcome)
	for _, f := range outcome.Failures {
		st.diag(f.Path, f.Err)
	}
	if execErr != nil {
		st.diag("", execErr)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "execute failed")
	}

	if err := a.flush(st); err != nil {
		slog.Error("failed to flush manifest", "error", err)
		st.diag(a.store.Path(), err)
	}

	update.Tier = tier
	update.Dirty = dirty.Paths
	update.Cycles = dirty.Cycles
	update.Diagnostics = st.diags
	update.Duration = time.Since(start)

	observability.BatchesTotal.WithLabelValues(tier.String()).Inc()
	observability.BatchDuration.WithLabelValues(tier.String()).Observe(update.Duration.Seconds())
	a.recordBatch(update, outcome, execErr)
	a.forwardHealth(st)

	slog.Info("batch processed",
		"batch", id,
		"tier", tier.String(),
		"changed", len(seeds),
		"dirty", len(dirty.Paths),
		"compiled", len(outcome.Compiled),
		"failures", len(outcome.Failures),
		"duration", update.Duration,
	)
	a.emitUpdate(update)
	return update, execErr
}

// reconcile reads every path and sorts it into removed, changed or
// touch-only. A touch refreshes lastModified without a version bump. A
// vanished path with no record of its own removes every record below it.
func (a *App) reconcile(st *batchState, rels []string) {
	for _, rel := range rels {
		content, modTime, err := a.tree.Read(rel)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if _, ok := a.store.Get(rel); ok {
					st.removed = append(st.removed, rel)
				} else if a.graph.HasNode(rel) {
					st.removed = append(st.removed, rel)
				} else {
					st.removed = append(st.removed, a.recordsUnder(rel)...)
				}
				continue
			}
			if errors.Is(err, source.ErrIsDir) {
				// Replaced by a new directory: surviving files arrive as
				// their own events, vanished ones are dropped here.
				for _, under := range a.recordsUnder(rel) {
					if _, _, rerr := a.tree.Read(under); errors.Is(rerr, fs.ErrNotExist) {
						st.removed = append(st.removed, under)
					}
				}
				continue
			}
			slog.Warn("failed to read changed file", "path", rel, "error", err)
			st.diag(rel, domainerrors.AddContext(err, domainerrors.CtxPath, rel))
			continue
		}

		hash := util.ContentHash(content)
		prev, known := a.store.Get(rel)
		if known && prev.Hash == hash {
			if !prev.LastModified.Equal(modTime.UTC()) {
				a.store.Update(rel, func(r *manifest.FileRecord) { r.LastModified = modTime })
				st.touched[rel] = true
			}
			continue
		}
		if !known {
			st.created = true
		}
		st.changed = append(st.changed, rel)
		st.contents[rel] = content
		st.modTimes[rel] = modTime
	}
	st.removed = util.SortedUnique(st.removed)
}

// recordsUnder lists the known files below dir. A moved or deleted directory
// is reported as one path.
func (a *App) recordsUnder(dir string) []string {
	var out []string
	for _, rec := range a.store.Records() {
		if rec.Path != dir && util.HasPathPrefix(rec.Path, dir) {
			out = append(out, rec.Path)
		}
	}
	return out
}

// removeFile drops the record and the node's own edges. Edges pointing at
// the file are kept so a re-created file gets its dependents back.
func (a *App) removeFile(st *batchState, rel string) {
	for _, dep := range a.graph.RemoveNode(rel) {
		st.touched[dep] = true
	}
	a.store.Remove(rel)
	delete(a.unresolved, rel)
}

// upsertFile extracts dependencies and stores the new record. A parse
// failure keeps the previous edges and flags the node.
func (a *App) upsertFile(st *batchState, rel string) {
	content := st.contents[rel]
	prev, _ := a.store.Get(rel)

	if a.extractor.Supports(rel) {
		deps, err := a.extractor.Dependencies(rel, content)
		if err != nil {
			observability.ParseFailuresTotal.Inc()
			slog.Warn("dependency extraction failed, keeping previous edges", "path", rel, "error", err)
			a.graph.AddNode(rel)
			a.graph.MarkParseError(rel, err)
			st.diag(rel, err)
		} else {
			a.applyDependencies(st, rel, deps.Resolved, deps.Unresolved)
		}
	} else {
		a.applyDependencies(st, rel, nil, nil)
	}

	fileType := a.classifier.TypeOf(rel)
	a.store.Upsert(manifest.FileRecord{
		Path:         rel,
		AbsolutePath: a.tree.Abs(rel),
		Dependencies: a.graph.Dependencies(rel),
		Dependents:   a.graph.Dependents(rel),
		Hash:         util.ContentHash(content),
		LastModified: st.modTimes[rel],
		Layer:        layer.TierOf(fileType),
		CachePath:    prev.CachePath,
		Type:         fileType,
	})
	st.touched[rel] = true
}

func (a *App) applyDependencies(st *batchState, rel string, resolved, unresolved []string) {
	delta := a.graph.ApplyChange(rel, resolved)
	for _, p := range delta.Affected() {
		st.touched[p] = true
	}
	st.touched[rel] = true
	if len(unresolved) > 0 {
		a.unresolved[rel] = unresolved
	} else {
		delete(a.unresolved, rel)
	}
}

// retryUnresolved re-extracts importers whose relative imports matched no
// file, since a file created in this batch may satisfy them.
func (a *App) retryUnresolved(st *batchState) {
	changed := make(map[string]bool, len(st.changed))
	for _, p := range st.changed {
		changed[p] = true
	}
	importers := make([]string, 0, len(a.unresolved))
	for p := range a.unresolved {
		if !changed[p] {
			importers = append(importers, p)
		}
	}
	sort.Strings(importers)

	for _, rel := range importers {
		content, _, err := a.tree.Read(rel)
		if err != nil {
			continue
		}
		deps, err := a.extractor.Dependencies(rel, content)
		if err != nil {
			continue
		}
		before := len(a.unresolved[rel])
		a.applyDependencies(st, rel, deps.Resolved, deps.Unresolved)
		if len(deps.Unresolved) < before {
			slog.Debug("import resolved by new file", "path", rel)
		}
	}
}

// syncDependents copies the reverse adjacency of every touched node into its
// record.
func (a *App) syncDependents(st *batchState) {
	for p := range st.touched {
		a.store.Update(p, func(r *manifest.FileRecord) {
			r.Dependencies = a.graph.Dependencies(p)
			r.Dependents = a.graph.Dependents(p)
		})
	}
}

// rebuildGraph derives a fresh graph from the manifest before a restart.
// Parse-error markers carry over.
func (a *App) rebuildGraph() {
	next := graph.Build(a.store.Records())
	for _, p := range a.graph.ParseErrors() {
		next.MarkParseError(p, a.graph.ParseError(p))
	}
	a.graph = next
}

// recordCachePaths stores artifact locations for records whose content is
// still the compiled one.
func (a *App) recordCachePaths(outcome layer.Outcome) {
	for _, c := range outcome.Compiled {
		a.store.Update(c.Path, func(r *manifest.FileRecord) {
			if r.Hash == c.Hash {
				r.CachePath = c.CachePath
			}
		})
	}
}

func (a *App) flush(st *batchState) error {
	if err := a.store.Flush(); err != nil {
		return fmt.Errorf("batch %s: %w", st.id, err)
	}
	return nil
}

func (a *App) recordBatch(update ports.BuildUpdate, outcome layer.Outcome, execErr error) {
	if a.history == nil {
		return
	}
	result := "ok"
	detail := ""
	switch {
	case execErr != nil:
		result = "failed"
		detail = execErr.Error()
	case len(outcome.Failures) > 0:
		result = "partial"
		detail = fmt.Sprintf("%d file(s) kept their previous artifact", len(outcome.Failures))
	}
	if err := a.history.RecordBatch(history.BatchEntry{
		ID:       update.BatchID,
		At:       update.At,
		Tier:     update.Tier.String(),
		Changed:  len(update.Changed),
		Dirty:    len(update.Dirty),
		Duration: update.Duration,
		Outcome:  result,
		Detail:   detail,
	}); err != nil {
		slog.Warn("failed to record batch", "batch", update.BatchID, "error", err)
	}
}

// forwardHealth hands content changes to the health sink. The sink debounces
// and checks asynchronously.
func (a *App) forwardHealth(st *batchState) {
	if a.health == nil {
		return
	}
	if len(st.removed) > 0 {
		files := make([]ports.HealthFile, 0, len(st.removed))
		for _, rel := range st.removed {
			files = append(files, ports.HealthFile{Path: a.tree.Abs(rel), RelativePath: rel})
		}
		a.health.FilesDeleted(files)
	}
	if len(st.changed) > 0 && !st.synthetic {
		files := make([]ports.HealthFile, 0, len(st.changed))
		for _, rel := range st.changed {
			files = append(files, ports.HealthFile{Path: a.tree.Abs(rel), RelativePath: rel, Content: st.contents[rel]})
		}
		a.health.Check(files)
	}
}
