package layer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/data/manifest"
	"devloop/internal/shared/observability"
	"devloop/internal/shared/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Plan is the work derived from one batch.
type Plan struct {
	BatchID string
	Tier    manifest.Tier
	// Order lists the existing files to rebuild, dependencies first.
	Order []string
	// Removed lists deleted files whose artifacts are dropped.
	Removed []string
}

// Compiled describes the artifact of one rebuilt file.
type Compiled struct {
	Path      string
	Hash      string
	CachePath string // project-relative
}

// Failure is a per-file problem that did not stop the batch.
type Failure struct {
	Path string
	Err  error
}

// Outcome is what the executor did for one plan.
type Outcome struct {
	Compiled  []Compiled
	Failures  []Failure
	Swapped   []string
	Restarted bool
}

// Executor applies plans: recompiling in dependency order, swapping artifacts
// in the module cache and restarting or notifying the server.
type Executor struct {
	root      string
	read      func(rel string) ([]byte, error)
	compiler  ports.Compiler
	server    ports.ServerProcess
	cache     *ModuleCache
	artifacts *ArtifactStore
	tracer    trace.Tracer
}

func NewExecutor(root string, read func(rel string) ([]byte, error), compiler ports.Compiler, server ports.ServerProcess, artifacts *ArtifactStore) *Executor {
	return &Executor{
		root:      root,
		read:      read,
		compiler:  compiler,
		server:    server,
		cache:     NewModuleCache(),
		artifacts: artifacts,
		tracer:    observability.Tracer,
	}
}

func (e *Executor) Cache() *ModuleCache { return e.cache }

// Compiles reports whether path produces an artifact.
func (e *Executor) Compiles(path string) bool {
	return e.compiler != nil && e.compiler.Handles(path)
}

// Adopt seeds the module cache from a persisted record whose artifact still
// exists, so unchanged files are not recompiled after a restart.
func (e *Executor) Adopt(rec manifest.FileRecord) bool {
	if rec.CachePath == "" {
		return false
	}
	abs := filepath.Join(e.root, filepath.FromSlash(rec.CachePath))
	if abs != e.artifacts.PathFor(rec.Path, rec.Hash) || !e.artifacts.Exists(abs) {
		return false
	}
	e.cache.Swap([]Module{{Path: rec.Path, Hash: rec.Hash, Artifact: abs}})
	return true
}

// Execute runs plan. Compile failures are reported per file and keep the
// previous artifact. Only a failed restart is returned as an error, with
// code FULL_RESTART_FAILURE.
func (e *Executor) Execute(ctx context.Context, plan Plan) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "layer.Execute", trace.WithAttributes(
		attribute.String("batch", plan.BatchID),
		attribute.String("tier", plan.Tier.String()),
		attribute.Int("files", len(plan.Order)),
	))
	defer span.End()

	var out Outcome
	for _, path := range plan.Removed {
		if m, ok := e.cache.Remove(path); ok {
			e.artifacts.Discard(m.Artifact)
		}
	}

	var swap []Module
	for _, path := range plan.Order {
		mod, compiled, err := e.build(ctx, path)
		if err != nil {
			observability.CompileFailuresTotal.Inc()
			slog.Warn("module rebuild failed, keeping previous artifact", "path", path, "error", err)
			out.Failures = append(out.Failures, Failure{Path: path, Err: err})
			continue
		}
		if mod == nil {
			continue
		}
		swap = append(swap, *mod)
		if compiled {
			out.Compiled = append(out.Compiled, Compiled{Path: mod.Path, Hash: mod.Hash, CachePath: e.relative(mod.Artifact)})
		}
		out.Swapped = append(out.Swapped, mod.Path)
	}

	for _, old := range e.cache.Swap(swap) {
		e.artifacts.Discard(old.Artifact)
	}

	switch plan.Tier {
	case manifest.TierFullRestart:
		if e.server != nil {
			if err := e.server.Restart(ctx, "full-restart"); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "restart failed")
				if !domainerrors.IsCode(err, domainerrors.CodeFullRestartFailure) {
					err = domainerrors.Wrap(err, domainerrors.CodeFullRestartFailure, "restart server")
				}
				return out, err
			}
			out.Restarted = true
		}
	case manifest.TierHot:
		if e.server != nil && len(out.Swapped) > 0 {
			if err := e.server.NotifyHot(out.Swapped); err != nil {
				slog.Warn("hot notification failed", "error", err)
				out.Failures = append(out.Failures, Failure{
					Path: "",
					Err:  domainerrors.Wrap(err, domainerrors.CodeHotReplaceFailure, "notify server"),
				})
			}
		}
	}

	if len(out.Failures) > 0 {
		span.SetAttributes(attribute.Int("failures", len(out.Failures)))
	}
	return out, nil
}

// build produces the module for path. It reuses the cached artifact when the
// content hash is unchanged and returns a nil module for files the compiler
// does not handle.
func (e *Executor) build(ctx context.Context, path string) (*Module, bool, error) {
	if e.compiler == nil || !e.compiler.Handles(path) {
		return nil, false, nil
	}
	content, err := e.read(path)
	if err != nil {
		return nil, false, hotFailure(path, err)
	}
	hash := util.ContentHash(content)

	if cur, ok := e.cache.Get(path); ok && cur.Hash == hash && e.artifacts.Exists(cur.Artifact) {
		return &cur, false, nil
	}

	data, err := e.compiler.Compile(ctx, path, content)
	if err != nil {
		return nil, false, hotFailure(path, err)
	}
	artifact, err := e.artifacts.Write(path, hash, data)
	if err != nil {
		return nil, false, hotFailure(path, fmt.Errorf("write artifact: %w", err))
	}
	return &Module{Path: path, Hash: hash, Artifact: artifact}, true, nil
}

func hotFailure(path string, err error) error {
	return domainerrors.AddContext(
		domainerrors.Wrap(err, domainerrors.CodeHotReplaceFailure, "recompile failed"),
		domainerrors.CtxPath, path,
	)
}

func (e *Executor) relative(abs string) string {
	rel, err := util.ProjectRelative(e.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return rel
}
