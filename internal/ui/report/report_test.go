package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"devloop/internal/core/ports"
	"devloop/internal/data/history"
	"devloop/internal/data/manifest"
	"devloop/internal/engine/health"
)

func TestGenerateSARIF_EmptyResults(t *testing.T) {
	data, err := GenerateSARIF("", "1.0.0", ports.BuildUpdate{}, health.Snapshot{Healthy: true})
	if err != nil {
		t.Fatalf("GenerateSARIF returned error: %v", err)
	}
	var report sarifReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if report.Schema != sarifSchema || report.Version != sarifVersion {
		t.Fatalf("unexpected header: %s %s", report.Schema, report.Version)
	}
	if len(report.Runs) != 1 || len(report.Runs[0].Results) != 0 {
		t.Fatalf("expected one run without results, got %+v", report.Runs)
	}
	if len(report.Runs[0].Tool.Driver.Rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(report.Runs[0].Tool.Driver.Rules))
	}
}

func TestGenerateSARIF_BuildAndHealthFindings(t *testing.T) {
	update := ports.BuildUpdate{
		Cycles: [][]string{{"src/a.ts", "src/b.ts"}},
		Diagnostics: []ports.Diagnostic{
			{Path: "src/a.ts", Code: "GRAPH_CYCLE_DETECTED", Message: "import cycle"},
			{Path: "/project/src/c.ts", Code: "DEPENDENCY_PARSE_FAILURE", Message: "unexpected token"},
			{Path: "src/e.controller.ts", Code: "IMPORT_RULE_VIOLATION", Message: "import of src/e.model.ts violates rule"},
		},
	}
	snap := health.Snapshot{Files: []health.FileHealth{{
		Path:     "src/d.ts",
		Errors:   []health.Diagnostic{{Message: "no-undef", Line: 3, Column: 5, Length: 4, RuleID: "no-undef"}},
		Warnings: []health.Diagnostic{{Message: "unused", Line: 1, Column: 1}},
	}}}

	data, err := GenerateSARIF("/project", "1.0.0", update, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report sarifReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	results := report.Runs[0].Results
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	wantRules := []string{ruleIDCycle, ruleIDBuild, ruleIDImportRule, ruleIDHealthError, ruleIDHealthWarning}
	for i, want := range wantRules {
		if results[i].RuleID != want {
			t.Errorf("result %d ruleId = %q, want %q", i, results[i].RuleID, want)
		}
	}
	if uri := results[1].Locations[0].PhysicalLocation.ArtifactLocation.URI; uri != "src/c.ts" {
		t.Errorf("build diagnostic URI = %q, want src/c.ts", uri)
	}
	region := results[3].Locations[0].PhysicalLocation.Region
	if region == nil || region.StartLine != 3 || region.EndColumn != 9 {
		t.Errorf("unexpected region: %+v", region)
	}
	if len(report.Runs[0].Tool.Driver.Rules) != 5 {
		t.Errorf("expected 5 rules, got %d", len(report.Runs[0].Tool.Driver.Rules))
	}
}

func TestRenderHistory(t *testing.T) {
	batches := []history.BatchEntry{{
		ID:       "b1",
		At:       time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC),
		Tier:     "hot",
		Changed:  1,
		Dirty:    2,
		Duration: 1500 * time.Millisecond,
		Outcome:  "partial",
		Detail:   "1 file(s)\tkept",
	}}

	tsv, err := RenderHistoryTSV(batches)
	if err != nil {
		t.Fatalf("render tsv: %v", err)
	}
	body := string(tsv)
	if !strings.HasPrefix(body, "Timestamp\tBatch\tTier") {
		t.Fatalf("missing header: %s", body)
	}
	if !strings.Contains(body, "2026-02-13T00:00:00Z\tb1\thot\t1\t2\t1500\tpartial\t1 file(s) kept\n") {
		t.Fatalf("unexpected row: %s", body)
	}

	raw, err := RenderHistoryJSON(history.Summary{Batches: 1, HotBatches: 1}, batches)
	if err != nil {
		t.Fatalf("render json: %v", err)
	}
	if !strings.Contains(string(raw), "\"hot_batches\": 1") || !strings.Contains(string(raw), "\"duration_ms\": 1500") {
		t.Fatalf("unexpected json: %s", raw)
	}
}

type stubGraph struct {
	deps   map[string][]string
	broken []string
}

func (g stubGraph) Nodes() []string {
	out := make([]string, 0, len(g.deps))
	for n := range g.deps {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
func (g stubGraph) Dependencies(p string) []string { return g.deps[p] }
func (g stubGraph) ParseErrors() []string          { return g.broken }

func TestGenerateMermaid(t *testing.T) {
	g := stubGraph{
		deps: map[string][]string{
			"main.ts":             nil,
			"db.config.ts":        nil,
			"users.controller.ts": {"db.config.ts", "users.service.ts"},
		},
		broken: []string{"users.controller.ts"},
	}
	typeOf := func(p string) manifest.FileType {
		switch {
		case strings.HasSuffix(p, ".config.ts"):
			return manifest.TypeConfig
		case strings.HasSuffix(p, ".controller.ts"):
			return manifest.TypeController
		case p == "main.ts":
			return manifest.TypeEntry
		}
		return manifest.TypeOther
	}

	out := GenerateMermaid(g, typeOf, nil)
	for _, want := range []string{
		"flowchart LR",
		"subgraph type_entry[\"entry\"]",
		"subgraph type_controller[\"controller\"]",
		"users_controller_ts --> db_config_ts",
		"users_controller_ts -.-> users_service_ts",
		"users_service_ts[\"users.service.ts (missing)\"]",
		"class users_controller_ts parseErrorNode;",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("diagram missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "type_entry") > strings.Index(out, "type_config") {
		t.Errorf("entry subgraph should precede config:\n%s", out)
	}
}

func TestInjectDiagram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "README.md")
	content := "# App\n<!-- devloop:graph:start -->\nold\n<!-- devloop:graph:end -->\ntail\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := InjectDiagram(path, "graph", "flowchart LR\n  a --> b\n"); err != nil {
		t.Fatalf("inject: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "# App\n<!-- devloop:graph:start -->\n```mermaid\nflowchart LR\n  a --> b\n```\n<!-- devloop:graph:end -->\ntail\n"
	if string(got) != want {
		t.Fatalf("unexpected content:\n%s", got)
	}

	if _, err := ReplaceBetweenMarkers("no markers", "graph", "x"); err == nil {
		t.Fatal("expected error for missing markers")
	}
}
