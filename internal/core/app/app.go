package app

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"devloop/internal/core/config"
	domainerrors "devloop/internal/core/errors"
	"devloop/internal/core/ports"
	"devloop/internal/data/manifest"
	"devloop/internal/data/source"
	"devloop/internal/engine/architecture"
	"devloop/internal/engine/graph"
	"devloop/internal/engine/layer"
	"devloop/internal/engine/parser"
	"devloop/internal/shared/observability"
)

// Dependencies are the collaborators of the build pipeline. Tree, Manifest,
// Extractor, Classifier and Executor are required; Server, Health, History
// and Rules are optional.
type Dependencies struct {
	Tree       ports.SourceTree
	Manifest   *manifest.Store
	Extractor  ports.DependencyExtractor
	Classifier *layer.Classifier
	Executor   *layer.Executor
	Server     ports.ServerProcess
	Health     ports.HealthSink
	History    ports.BuildHistory
	Rules      *architecture.Evaluator
}

var _ ports.BuildService = (*App)(nil)

// App coordinates the build: every manifest, graph and executor mutation
// happens under batchMu, one batch at a time.
type App struct {
	Config *config.Config

	tree       ports.SourceTree
	store      *manifest.Store
	extractor  ports.DependencyExtractor
	classifier *layer.Classifier
	executor   *layer.Executor
	server     ports.ServerProcess
	health     ports.HealthSink
	history    ports.BuildHistory
	rules      *architecture.Evaluator

	batchMu sync.Mutex
	graph   *graph.Graph
	// unresolved maps an importer to the relative specifiers it could not
	// resolve; a later create may satisfy them.
	unresolved map[string][]string
	started    bool

	updateMu sync.RWMutex
	last     *ports.BuildUpdate
	subs     map[int]func(ports.BuildUpdate)
	nextSub  int
}

func NewWithDependencies(cfg *config.Config, deps Dependencies) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Tree == nil || deps.Manifest == nil || deps.Extractor == nil || deps.Classifier == nil || deps.Executor == nil {
		return nil, fmt.Errorf("tree, manifest, extractor, classifier and executor are required")
	}
	return &App{
		Config:     cfg,
		tree:       deps.Tree,
		store:      deps.Manifest,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		executor:   deps.Executor,
		server:     deps.Server,
		health:     deps.Health,
		history:    deps.History,
		rules:      deps.Rules,
		graph:      graph.NewGraph(),
		unresolved: make(map[string][]string),
		subs:       make(map[int]func(ports.BuildUpdate)),
	}, nil
}

// New builds the default pipeline for cfg: a filesystem source tree, the
// tree-sitter extractor and the artifact-caching executor driving server.
func New(cfg *config.Config, paths config.ResolvedPaths, server ports.ServerProcess, health ports.HealthSink, hist ports.BuildHistory) (*App, error) {
	filter, err := source.NewFilter(cfg.Exclude.Dirs, cfg.Exclude.Files, cfg.Sources.Extensions, cfg.Sources.Include)
	if err != nil {
		return nil, err
	}
	tree := source.NewTree(paths.ProjectRoot, paths.WatchPaths, filter)

	classifier, err := layer.NewClassifier(cfg.Layers)
	if err != nil {
		return nil, err
	}
	rules, err := architecture.NewRuleSet(cfg.Rules)
	if err != nil {
		return nil, err
	}

	var compiler ports.Compiler
	if len(cfg.Compiler.Command) > 0 {
		compiler, err = layer.NewCommandCompiler(cfg.Compiler.Command, paths.ProjectRoot, cfg.Compiler.Extensions)
		if err != nil {
			return nil, err
		}
	} else {
		compiler = layer.NewPassthroughCompiler(cfg.Compiler.Extensions)
	}

	read := func(rel string) ([]byte, error) {
		data, _, err := tree.Read(rel)
		return data, err
	}
	executor := layer.NewExecutor(paths.ProjectRoot, read, compiler, server, layer.NewArtifactStore(paths.ArtifactsDir))
	resolver := parser.NewResolver(parser.DiskExists(paths.ProjectRoot), parser.DefaultExtensions)

	return NewWithDependencies(cfg, Dependencies{
		Tree:       tree,
		Manifest:   manifest.NewStore(paths.Manifest, paths.ProjectRoot),
		Extractor:  parser.NewExtractor(resolver, 0),
		Classifier: classifier,
		Executor:   executor,
		Server:     server,
		Health:     health,
		History:    hist,
		Rules:      architecture.NewEvaluator(rules, classifier.TypeOf),
	})
}

func (a *App) Tree() ports.SourceTree    { return a.tree }
func (a *App) Manifest() *manifest.Store { return a.store }

// Graph returns the current dependency graph. A full restart replaces it.
func (a *App) Graph() *graph.Graph {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()
	return a.graph
}

// Subscribe registers handler for every processed batch.
func (a *App) Subscribe(handler func(ports.BuildUpdate)) (unsubscribe func()) {
	a.updateMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = handler
	a.updateMu.Unlock()
	return func() {
		a.updateMu.Lock()
		delete(a.subs, id)
		a.updateMu.Unlock()
	}
}

func (a *App) LastUpdate() (ports.BuildUpdate, bool) {
	a.updateMu.RLock()
	defer a.updateMu.RUnlock()
	if a.last == nil {
		return ports.BuildUpdate{}, false
	}
	return *a.last, true
}

func (a *App) emitUpdate(update ports.BuildUpdate) {
	a.updateMu.Lock()
	a.last = &update
	handlers := make([]func(ports.BuildUpdate), 0, len(a.subs))
	for _, h := range a.subs {
		handlers = append(handlers, h)
	}
	a.updateMu.Unlock()

	for _, h := range handlers {
		h(update)
	}
}

// ruleDiagnostics evaluates the import rules for files. Callers hold batchMu.
func (a *App) ruleDiagnostics(files []string) []ports.Diagnostic {
	var out []ports.Diagnostic
	for _, v := range a.rules.Evaluate(a.graph, files) {
		observability.ImportRuleViolationsTotal.Inc()
		out = append(out, ports.Diagnostic{
			Path:    v.File,
			Code:    string(domainerrors.CodeImportRuleViolation),
			Message: v.Message(),
		})
	}
	return out
}

// forwardAll sends every tracked file to the health sink, used once after
// startup so the aggregate covers the whole project.
func (a *App) forwardAll() {
	if a.health == nil {
		return
	}
	records := a.store.Records()
	files := make([]ports.HealthFile, 0, len(records))
	for _, rec := range records {
		content, _, err := a.tree.Read(rec.Path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("failed to read file for health check", "path", rec.Path, "error", err)
			}
			continue
		}
		files = append(files, ports.HealthFile{Path: rec.AbsolutePath, RelativePath: rec.Path, Content: content})
	}
	a.health.Check(files)
}
