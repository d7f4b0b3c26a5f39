package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"devloop/internal/shared/util"
)

// ErrIsDir is returned by Read for a path that names a directory.
var ErrIsDir = errors.New("path is a directory")

// File is a tracked source file as found on disk.
type File struct {
	Path         string
	AbsolutePath string
	Size         int64
	ModTime      time.Time
}

// Tree lists and reads the tracked files below a project root.
type Tree struct {
	root   string
	watch  []string
	filter *Filter
}

// NewTree returns a tree rooted at root. When watchPaths is empty the whole
// root is scanned.
func NewTree(root string, watchPaths []string, filter *Filter) *Tree {
	if len(watchPaths) == 0 {
		watchPaths = []string{root}
	}
	return &Tree{root: filepath.Clean(root), watch: watchPaths, filter: filter}
}

func (t *Tree) Root() string { return t.root }

func (t *Tree) Filter() *Filter { return t.filter }

// Rel converts an absolute path into the project identifier.
func (t *Tree) Rel(abs string) (string, error) {
	return util.ProjectRelative(t.root, abs)
}

// Abs converts a project identifier into an absolute path.
func (t *Tree) Abs(rel string) string {
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

// Tracked reports whether abs is inside the tree and selected by the filter,
// including the directory exclusions of every ancestor.
func (t *Tree) Tracked(abs string) bool {
	if _, err := t.Rel(abs); err != nil {
		return false
	}
	if t.filter == nil {
		return true
	}
	dir := filepath.Dir(abs)
	for dir != t.root && len(dir) > len(t.root) {
		if t.filter.SkipDir(dir) {
			return false
		}
		dir = filepath.Dir(dir)
	}
	return t.filter.Track(abs)
}

// List walks every watch path and returns the tracked files sorted by path.
func (t *Tree) List(ctx context.Context) ([]File, error) {
	seen := make(map[string]bool)
	var files []File

	for _, start := range t.watch {
		err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if path != start && t.filter != nil && t.filter.SkipDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if t.filter != nil && !t.filter.Track(path) {
				return nil
			}
			rel, err := t.Rel(path)
			if err != nil || seen[rel] {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			seen[rel] = true
			files = append(files, File{
				Path:         rel,
				AbsolutePath: path,
				Size:         info.Size(),
				ModTime:      info.ModTime(),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Read returns the content and modification time of rel.
func (t *Tree) Read(rel string) ([]byte, time.Time, error) {
	abs := t.Abs(rel)
	info, err := os.Stat(abs)
	if err != nil {
		return nil, time.Time{}, err
	}
	if info.IsDir() {
		return nil, time.Time{}, &fs.PathError{Op: "read", Path: abs, Err: ErrIsDir}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// Stat returns rel's modification time without reading it.
func (t *Tree) Stat(rel string) (time.Time, error) {
	info, err := os.Stat(t.Abs(rel))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
