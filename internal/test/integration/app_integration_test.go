package integration

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"devloop/internal/core/app"
	"devloop/internal/core/config"
	"devloop/internal/core/ports"
	"devloop/internal/core/watcher"
	"devloop/internal/data/manifest"
	"devloop/internal/data/queue"
	"devloop/internal/data/source"
	"devloop/internal/engine/health"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestFiles(t *testing.T, root string) {
	t.Helper()
	files := map[string]string{
		"main.ts":                 "import { router } from './routes/users.routes';\nrouter();\n",
		"routes/users.routes.ts":  "import { list } from '../users.controller';\nexport const router = () => list();\n",
		"users.controller.ts":     "import { db } from './db.config';\nexport const list = () => db.url;\n",
		"db.config.ts":            "export const db = { url: 'postgres://localhost' };\n",
		"node_modules/x/index.js": "module.exports = 1;\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func workerFor(cfg *config.Config) func(kind string) (health.Checker, error) {
	return func(kind string) (health.Checker, error) {
		for _, w := range cfg.Health.Workers {
			if w.Kind == kind {
				return health.NewChecker(w)
			}
		}
		return health.NewChecker(config.HealthWorker{Kind: kind})
	}
}

func TestFullPipelineIntegration(t *testing.T) {
	root := t.TempDir()
	createTestFiles(t, root)

	cfg := config.Default()
	cfg.Paths.ProjectRoot = root
	cfg.Watch.Debounce = 20 * time.Millisecond
	cfg.Health.Isolation = config.IsolationInProcess
	cfg.Health.Debounce = 10 * time.Millisecond
	cfg.Health.Workers = []config.HealthWorker{{Kind: config.WorkerKindSyntax}, {Kind: config.WorkerKindSecrets}}
	paths, err := config.ResolvePaths(cfg, root)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	orch := health.NewOrchestrator(health.OptionsFrom(cfg.Health, paths.ProjectRoot),
		[]string{config.WorkerKindSyntax, config.WorkerKindSecrets}, health.InProcessSpawner(workerFor(cfg)), nil)
	defer orch.Close()
	require.NoError(t, orch.Start(ctx))

	appInstance, err := app.New(cfg, paths, nil, orch, nil)
	require.NoError(t, err)
	initial, err := appInstance.Start(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db.config.ts", "main.ts", "routes/users.routes.ts", "users.controller.ts"}, initial.Changed)
	assert.Empty(t, initial.Cycles)

	g := appInstance.Graph()
	assert.Equal(t, 4, g.NodeCount())
	assert.Equal(t, []string{"users.controller.ts"}, g.Dependents("db.config.ts"))

	updates := make(chan ports.BuildUpdate, 16)
	unsubscribe := appInstance.Subscribe(func(u ports.BuildUpdate) { updates <- u })
	defer unsubscribe()

	batches := queue.NewBatchQueue(8)
	defer batches.Close()
	go func() {
		for {
			pending, err := batches.DequeueBatch(ctx, 8, 50*time.Millisecond)
			if len(pending) > 0 {
				_, _ = appInstance.HandleBatch(ctx, queue.Merge(pending))
			}
			if err != nil {
				return
			}
		}
	}()

	filter, err := source.NewFilter(cfg.Exclude.Dirs, cfg.Exclude.Files, cfg.Sources.Extensions, cfg.Sources.Include)
	require.NoError(t, err)
	fw, err := watcher.NewWatcher(cfg.Watch.Debounce, filter, func(b watcher.Batch) {
		_ = batches.Enqueue(ctx, b)
	})
	require.NoError(t, err)
	defer fw.Close()
	require.NoError(t, fw.Watch(paths.WatchPaths))

	waitFor := func(path string) ports.BuildUpdate {
		t.Helper()
		for {
			select {
			case u := <-updates:
				if slices.Contains(u.Changed, path) {
					return u
				}
			case <-ctx.Done():
				t.Fatalf("timed out waiting for a batch touching %s", path)
			}
		}
	}

	// A controller edit is hot-replaceable and dirties its importers.
	leak := "import { db } from './db.config';\nexport const key = 'AKIA1234567890ABCDEF';\nexport const list = () => db.url;\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "users.controller.ts"), []byte(leak), 0o644))
	update := waitFor("users.controller.ts")
	assert.Equal(t, manifest.TierHot, update.Tier)
	assert.Equal(t, []string{"main.ts", "routes/users.routes.ts", "users.controller.ts"}, update.Dirty)

	leaked := func() bool {
		orch.Flush()
		if err := orch.WaitIdle(ctx); err != nil {
			return false
		}
		for _, f := range orch.View().Snapshot().Files {
			if f.Path == "users.controller.ts" && len(f.Errors) > 0 {
				return f.Errors[0].RuleID == "aws-access-key-id"
			}
		}
		return false
	}
	require.Eventually(t, leaked, 10*time.Second, 50*time.Millisecond)
	assert.False(t, orch.View().Snapshot().Healthy)

	// A config edit needs a full restart.
	require.NoError(t, os.WriteFile(filepath.Join(root, "db.config.ts"), []byte("export const db = { url: 'postgres://db' };\n"), 0o644))
	update = waitFor("db.config.ts")
	assert.Equal(t, manifest.TierFullRestart, update.Tier)

	rec, ok := appInstance.Manifest().Get("db.config.ts")
	require.True(t, ok)
	assert.Equal(t, 2, rec.Version)
	_, ok = appInstance.Manifest().Get("node_modules/x/index.js")
	assert.False(t, ok, "excluded directories must not be tracked")
}
