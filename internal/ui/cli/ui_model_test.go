package cli

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"devloop/internal/core/ports"
	"devloop/internal/data/manifest"
	"devloop/internal/engine/health"

	tea "github.com/charmbracelet/bubbletea"
)

func TestModel_PanelsFromUpdates(t *testing.T) {
	m := initialModel("/project")

	build := ports.BuildUpdate{
		BatchID: "b1",
		Tier:    manifest.TierHot,
		Cycles:  [][]string{{"a.ts", "b.ts", "a.ts"}},
		Diagnostics: []ports.Diagnostic{
			{Path: "a.ts", Code: "GRAPH_CYCLE_DETECTED", Message: "cycle"},
			{Path: "c.ts", Code: "DEPENDENCY_PARSE_FAILURE", Message: "bad"},
		},
	}
	snap := health.Snapshot{Unhealthy: 1, Files: []health.FileHealth{
		{Path: "ok.ts", Healthy: true},
		{Path: "d.ts", Errors: []health.Diagnostic{{Message: "Syntax error", Line: 7, Column: 2}}},
	}}

	updated, _ := m.Update(updateMsg{build: &build, health: &snap, fileCount: 4, edgeCount: 3, server: "running"})
	state, ok := updated.(model)
	if !ok {
		t.Fatalf("expected model type, got %T", updated)
	}
	if len(state.buildList.Items()) != 2 {
		t.Fatalf("expected cycle and parse failure items, got %d", len(state.buildList.Items()))
	}
	if len(state.healthList.Items()) != 1 {
		t.Fatalf("expected 1 unhealthy file item, got %d", len(state.healthList.Items()))
	}
	view := state.View()
	if !strings.Contains(view, "server running") || !strings.Contains(view, "last batch hot") {
		t.Fatalf("unexpected view:\n%s", view)
	}

	// A health-only update keeps the previous build.
	healthy := health.Snapshot{Healthy: true}
	updated, _ = state.Update(updateMsg{health: &healthy, fileCount: 4, edgeCount: 3})
	state = updated.(model)
	if len(state.buildList.Items()) != 2 || len(state.healthList.Items()) != 0 {
		t.Fatalf("unexpected items after health update: %d build, %d health", len(state.buildList.Items()), len(state.healthList.Items()))
	}
	if state.server != "running" {
		t.Fatalf("server state should be kept, got %q", state.server)
	}
}

func TestModel_TabAndSourceTarget(t *testing.T) {
	m := initialModel("/project")
	snap := health.Snapshot{Unhealthy: 1, Files: []health.FileHealth{
		{Path: "src/d.ts", Errors: []health.Diagnostic{{Message: "Syntax error", Line: 7}}},
	}}
	updated, _ := m.Update(updateMsg{health: &snap})
	state := updated.(model)

	if _, ok := selectedSourceTarget(state); ok {
		t.Fatal("empty build panel should have no source target")
	}

	updated, _ = state.Update(tea.KeyMsg{Type: tea.KeyTab})
	state = updated.(model)
	if state.mode != panelHealth {
		t.Fatalf("expected health panel after tab, got %v", state.mode)
	}

	target, ok := selectedSourceTarget(state)
	if !ok {
		t.Fatal("expected a source target")
	}
	if target.file != filepath.Join("/project", "src/d.ts") || target.line != 7 {
		t.Fatalf("unexpected target %+v", target)
	}

	updated, _ = state.Update(tea.KeyMsg{Type: tea.KeyTab})
	state = updated.(model)
	if state.mode != panelBuild {
		t.Fatalf("expected build panel after second tab, got %v", state.mode)
	}
}

func TestModel_FatalShownInView(t *testing.T) {
	m := initialModel("/project")
	updated, _ := m.Update(fatalMsg{err: errors.New("server crashed too often")})
	state := updated.(model)
	if !strings.Contains(state.View(), "server crashed too often") {
		t.Fatalf("fatal error missing from view:\n%s", state.View())
	}
}
