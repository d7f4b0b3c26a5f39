package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"devloop/internal/core/config"
	"devloop/internal/core/ports"
	"devloop/internal/engine/health"
)

func TestParseOptions_Defaults(t *testing.T) {
	opts, err := parseOptions([]string{"--once", "./app"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.configPath != defaultConfigPath {
		t.Fatalf("unexpected config path %q", opts.configPath)
	}
	if opts.historyLimit != 20 {
		t.Fatalf("unexpected history limit %d", opts.historyLimit)
	}
	if !opts.once || len(opts.args) != 1 || opts.args[0] != "./app" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestValidateModeOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    cliOptions
		wantErr string
	}{
		{name: "watch", opts: cliOptions{}},
		{name: "once with reports", opts: cliOptions{once: true, sarif: "out.sarif", graphMermaid: "g.mmd"}},
		{name: "history with outputs", opts: cliOptions{history: true, historyTSV: "h.tsv"}},
		{name: "once and ui", opts: cliOptions{once: true, ui: true}, wantErr: "cannot be combined"},
		{name: "worker and history", opts: cliOptions{worker: "syntax", history: true}, wantErr: "cannot be combined"},
		{name: "worker positional", opts: cliOptions{worker: "syntax", args: []string{"./src"}}, wantErr: "does not accept positional"},
		{name: "history outputs", opts: cliOptions{historyJSON: "h.json"}, wantErr: "require --history"},
		{name: "sarif without once", opts: cliOptions{sarif: "out.sarif"}, wantErr: "require --once"},
		{name: "two roots", opts: cliOptions{args: []string{"a", "b"}}, wantErr: "at most one"},
		{name: "query and once", opts: cliOptions{query: "SELECT files", once: true}, wantErr: "cannot be combined"},
		{name: "query json without query", opts: cliOptions{queryJSON: true}, wantErr: "requires --query"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateModeOptions(tt.opts)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestApplyModeOptions_OverridesProjectRootWithPositionalArg(t *testing.T) {
	cfg := config.Default()
	applyModeOptions(cliOptions{args: []string{"./override"}}, cfg)
	if cfg.Paths.ProjectRoot != "./override" {
		t.Fatalf("unexpected project root: %q", cfg.Paths.ProjectRoot)
	}
}

func TestLoadConfig_FallsBackToExampleConfig(t *testing.T) {
	dir := t.TempDir()
	example := filepath.Join(dir, "devloop.example.toml")
	if err := os.WriteFile(example, []byte("[watch]\ndebounce = \"250ms\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, path, err := loadConfig(defaultConfigPath, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != example {
		t.Fatalf("expected %q, got %q", example, path)
	}
	if cfg.Watch.Debounce != 250*time.Millisecond {
		t.Fatalf("unexpected debounce %v", cfg.Watch.Debounce)
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, path, err := loadConfig(defaultConfigPath, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Fatalf("expected no config path, got %q", path)
	}
	if cfg.Observability.Address != config.Default().Observability.Address {
		t.Fatalf("expected default config, got %+v", cfg.Observability)
	}
}

func TestLoadConfig_MissingExplicitPath(t *testing.T) {
	if _, _, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"), t.TempDir()); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestWorkerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Health.Workers = []config.HealthWorker{{Kind: config.WorkerKindLint, Command: []string{"eslint"}}}

	w := workerConfig(cfg, " LINT ")
	if len(w.Command) != 1 || w.Command[0] != "eslint" {
		t.Fatalf("expected configured lint worker, got %+v", w)
	}

	w = workerConfig(config.Default(), config.WorkerKindLint)
	if w.Kind != config.WorkerKindLint || len(w.ConfigFiles) == 0 {
		t.Fatalf("expected lint fallback with default config files, got %+v", w)
	}
}

func TestHasBuildErrors(t *testing.T) {
	cycleOnly := ports.BuildUpdate{Diagnostics: []ports.Diagnostic{{Path: "a.ts", Code: "GRAPH_CYCLE_DETECTED"}}}
	if hasBuildErrors(cycleOnly) {
		t.Fatal("cycles alone must not fail the build")
	}
	parse := ports.BuildUpdate{Diagnostics: []ports.Diagnostic{{Path: "a.ts", Code: "DEPENDENCY_PARSE_FAILURE"}}}
	if !hasBuildErrors(parse) {
		t.Fatal("parse failures must fail the build")
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	update := ports.BuildUpdate{
		Cycles:      [][]string{{"a.ts", "b.ts", "a.ts"}},
		Diagnostics: []ports.Diagnostic{{Path: "c.ts", Code: "DEPENDENCY_PARSE_FAILURE", Message: "unexpected token"}},
	}
	snap := health.Snapshot{Unhealthy: 1, Files: []health.FileHealth{
		{Path: "ok.ts", Healthy: true},
		{Path: "d.ts", Errors: []health.Diagnostic{{Message: "Syntax error", Line: 2, Column: 4, RuleID: "syntax"}}, Kinds: []string{"syntax"}},
	}}
	sessions := []health.SessionInfo{{Kind: "syntax", State: "ready"}}

	printSummary(&buf, 3, 2, update, snap, sessions)
	out := buf.String()
	for _, want := range []string{
		"Build: 3 files, 2 imports",
		"a.ts -> b.ts -> a.ts",
		"[DEPENDENCY_PARSE_FAILURE] c.ts: unexpected token",
		"Health: 1 of 2 files unhealthy",
		"d.ts: 1 error(s), 0 warning(s) [syntax]",
		"2:4 Syntax error (syntax)",
		"Worker syntax: ready",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "ok.ts") {
		t.Errorf("healthy files should be omitted:\n%s", out)
	}
}

func TestLogWriter_SplitsLines(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	w := &logWriter{stream: "stdout"}
	_, _ = w.Write([]byte("listening on 3000\r\npartial"))
	_, _ = w.Write([]byte(" line\n"))

	var lines []string
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", raw, err)
		}
		lines = append(lines, rec["line"].(string))
	}
	if len(lines) != 2 || lines[0] != "listening on 3000" || lines[1] != "partial line" {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func newOnceRuntime(t *testing.T, files map[string]string) (*runtime, string) {
	t.Helper()
	root := t.TempDir()
	writeProject(t, root, files)
	rt := onceRuntimeAt(t, root)
	t.Cleanup(rt.Close)
	return rt, root
}

func writeProject(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func onceRuntimeAt(t *testing.T, root string) *runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.ProjectRoot = root
	cfg.Health.Isolation = config.IsolationInProcess
	cfg.Health.Debounce = 10 * time.Millisecond
	paths, err := config.ResolvePaths(cfg, root)
	if err != nil {
		t.Fatal(err)
	}

	rt, err := newRuntime(context.Background(), cfg, "", paths, cliOptions{once: true})
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	return rt
}

func TestRunOnce_HealthyProject(t *testing.T) {
	rt, root := newOnceRuntime(t, map[string]string{
		"main.ts":             "import { users } from './users.controller';\nusers();\n",
		"users.controller.ts": "export function users() { return []; }\n",
	})
	mermaid := filepath.Join(root, "out", "graph.mmd")

	var out bytes.Buffer
	code := rt.runOnce(context.Background(), &out, cliOptions{once: true, graphMermaid: mermaid})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "Build: 2 files, 1 imports") {
		t.Fatalf("unexpected summary:\n%s", out.String())
	}
	diagram, err := os.ReadFile(mermaid)
	if err != nil {
		t.Fatalf("mermaid not written: %v", err)
	}
	if !strings.Contains(string(diagram), "main_ts --> users_controller_ts") {
		t.Fatalf("unexpected diagram:\n%s", diagram)
	}
}

func TestRunOnce_SyntaxErrorFails(t *testing.T) {
	rt, root := newOnceRuntime(t, map[string]string{
		"main.ts":             "export const ok = 1;\n",
		"users.controller.ts": "export const = ;\n",
	})
	sarif := filepath.Join(root, "out", "devloop.sarif")

	var out bytes.Buffer
	code := rt.runOnce(context.Background(), &out, cliOptions{once: true, sarif: sarif})
	if code != 1 {
		t.Fatalf("expected exit 1, got %d:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "users.controller.ts") {
		t.Fatalf("summary should name the broken file:\n%s", out.String())
	}
	data, err := os.ReadFile(sarif)
	if err != nil {
		t.Fatalf("sarif not written: %v", err)
	}
	if !strings.Contains(string(data), "users.controller.ts") {
		t.Fatalf("sarif should reference the broken file:\n%s", data)
	}
}

func TestRunOnce_ReportsCyclesWhenManifestIsCurrent(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"main.ts":  "import { a } from './a';\na();\n",
		"a.ts":     "import { b } from './b';\nexport const a = () => b;\n",
		"b.ts":     "import { a } from './a';\nexport const b = () => a;\n",
		"other.ts": "export const other = 1;\n",
	})
	first := onceRuntimeAt(t, root)
	var out bytes.Buffer
	if code := first.runOnce(context.Background(), &out, cliOptions{once: true}); code != 0 {
		t.Fatalf("expected exit 0, got %d:\n%s", code, out.String())
	}
	first.Close()

	// Nothing changed on disk, so startup has no batch to build.
	second := onceRuntimeAt(t, root)
	defer second.Close()
	mermaid := filepath.Join(root, "out", "graph.mmd")
	out.Reset()
	if code := second.runOnce(context.Background(), &out, cliOptions{once: true, graphMermaid: mermaid}); code != 0 {
		t.Fatalf("expected exit 0, got %d:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "Cycles: 1") || !strings.Contains(out.String(), "a.ts -> b.ts") {
		t.Fatalf("cycle missing from summary:\n%s", out.String())
	}
	diagram, err := os.ReadFile(mermaid)
	if err != nil {
		t.Fatalf("mermaid not written: %v", err)
	}
	if !strings.Contains(string(diagram), "class a_ts,b_ts cycleNode;") {
		t.Fatalf("cycle not highlighted:\n%s", diagram)
	}
}

func TestRunQueryMode(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"main.ts":             "import { users } from './users.controller';\nimport { db } from './db.config';\n",
		"users.controller.ts": "import { db } from './db.config';\nexport const users = () => db;\n",
		"db.config.ts":        "export const db = {};\n",
	}
	for rel, content := range files {
		if err := os.WriteFile(filepath.Join(root, rel), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.Default()
	cfg.Paths.ProjectRoot = root
	paths, err := config.ResolvePaths(cfg, root)
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	opts := cliOptions{query: `SELECT files WHERE fan_in >= 2`, queryJSON: true}
	if err := runQueryMode(context.Background(), &out, cfg, paths, opts); err != nil {
		t.Fatalf("runQueryMode: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("invalid JSON %q: %v", out.String(), err)
	}
	if len(rows) != 1 || rows[0]["path"] != "db.config.ts" {
		t.Fatalf("unexpected rows %v", rows)
	}

	out.Reset()
	opts = cliOptions{query: `SELECT files WHERE path CONTAINS "controller"`}
	if err := runQueryMode(context.Background(), &out, cfg, paths, opts); err != nil {
		t.Fatalf("runQueryMode: %v", err)
	}
	if !strings.Contains(out.String(), "users.controller.ts") || !strings.Contains(out.String(), "1 file(s)") {
		t.Fatalf("unexpected table:\n%s", out.String())
	}

	if err := runQueryMode(context.Background(), &out, cfg, paths, cliOptions{query: "SELECT modules"}); err == nil {
		t.Fatal("expected invalid query to fail")
	}
}
