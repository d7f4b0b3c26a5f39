package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths_DefaultLayout(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "package.json"), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "src", "users")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ResolvePaths(Default(), nested)
	if err != nil {
		t.Fatal(err)
	}
	if got.ProjectRoot != filepath.Clean(root) {
		t.Fatalf("expected project root %q, got %q", root, got.ProjectRoot)
	}
	if got.Manifest != filepath.Join(root, ".devloop", "manifest.json") {
		t.Fatalf("unexpected manifest path: %q", got.Manifest)
	}
	if got.ArtifactsDir != filepath.Join(root, ".devloop", "cache", "modules") {
		t.Fatalf("unexpected artifacts dir: %q", got.ArtifactsDir)
	}
	if len(got.WatchPaths) != 1 || got.WatchPaths[0] != filepath.Clean(root) {
		t.Fatalf("unexpected watch paths: %v", got.WatchPaths)
	}
}

func TestResolvePaths_AbsoluteOverrides(t *testing.T) {
	root := t.TempDir()
	manifest := filepath.Join(root, "elsewhere", "m.json")

	cfg := Default()
	cfg.Paths.ProjectRoot = root
	cfg.Paths.Manifest = manifest

	got, err := ResolvePaths(cfg, "/")
	if err != nil {
		t.Fatal(err)
	}
	if got.Manifest != manifest {
		t.Fatalf("expected %q, got %q", manifest, got.Manifest)
	}
	if got.HistoryDB != filepath.Join(root, ".devloop", "history.db") {
		t.Fatalf("unexpected history path %q", got.HistoryDB)
	}
}

func TestResolvePaths_RejectsEmptyCwd(t *testing.T) {
	if _, err := ResolvePaths(Default(), " "); err == nil {
		t.Fatal("expected error for empty cwd")
	}
}
