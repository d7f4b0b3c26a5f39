package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := NewFilter(
		[]string{"node_modules", ".devloop"},
		[]string{"*.log"},
		[]string{".ts", ".js"},
		[]string{".env", ".env.*"},
	)
	require.NoError(t, err)
	return f
}

func TestFilter(t *testing.T) {
	f := newTestFilter(t)

	assert.True(t, f.Track("/p/src/main.ts"))
	assert.True(t, f.Track("/p/.env"))
	assert.True(t, f.Track("/p/.env.local"))
	assert.False(t, f.Track("/p/README.md"))
	assert.False(t, f.Track("/p/debug.log"))
	assert.True(t, f.SkipDir("/p/node_modules"))
	assert.False(t, f.SkipDir("/p/src"))
}

func TestFilter_InvalidPattern(t *testing.T) {
	_, err := NewFilter([]string{"[unclosed"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestTree_List(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.ts", "import './app';")
	writeFile(t, root, "src/app.ts", "export {};")
	writeFile(t, root, ".env", "PORT=3000")
	writeFile(t, root, "node_modules/lib/index.js", "module.exports = {};")
	writeFile(t, root, "notes.md", "# notes")

	tree := NewTree(root, nil, newTestFilter(t))
	files, err := tree.List(context.Background())
	require.NoError(t, err)

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{".env", "src/app.ts", "src/main.ts"}, paths)
	assert.Equal(t, filepath.Join(root, "src", "app.ts"), files[1].AbsolutePath)
	assert.False(t, files[1].ModTime.IsZero())
}

func TestTree_OverlappingWatchPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.ts", "")

	tree := NewTree(root, []string{root, filepath.Join(root, "src")}, newTestFilter(t))
	files, err := tree.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestTree_ReadAndTracked(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "src/a.ts", "export const a = 1;")
	writeFile(t, root, "node_modules/x/y.ts", "")

	tree := NewTree(root, nil, newTestFilter(t))
	rel, err := tree.Rel(abs)
	require.NoError(t, err)
	assert.Equal(t, "src/a.ts", rel)

	data, mtime, err := tree.Read(rel)
	require.NoError(t, err)
	assert.Equal(t, "export const a = 1;", string(data))
	assert.False(t, mtime.IsZero())

	assert.True(t, tree.Tracked(abs))
	assert.False(t, tree.Tracked(filepath.Join(root, "node_modules", "x", "y.ts")))
	assert.False(t, tree.Tracked(filepath.Join(filepath.Dir(root), "elsewhere.ts")))

	_, _, err = tree.Read("src/missing.ts")
	assert.True(t, os.IsNotExist(err))

	_, _, err = tree.Read("src")
	assert.ErrorIs(t, err, ErrIsDir)
}

func TestTree_ListCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.ts", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTree(root, nil, newTestFilter(t)).List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
