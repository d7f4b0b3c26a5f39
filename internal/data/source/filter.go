package source

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Filter decides which paths belong to the tracked source set. Directory and
// file exclusions match the base name; extensions and include globs select
// what is tracked.
type Filter struct {
	excludeDirs  []glob.Glob
	excludeFiles []glob.Glob
	include      []glob.Glob
	extensions   map[string]bool
}

func NewFilter(excludeDirs, excludeFiles, extensions, include []string) (*Filter, error) {
	dirs, err := compileGlobs(excludeDirs)
	if err != nil {
		return nil, err
	}
	files, err := compileGlobs(excludeFiles)
	if err != nil {
		return nil, err
	}
	inc, err := compileGlobs(include)
	if err != nil {
		return nil, err
	}

	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		normalized := strings.ToLower(strings.TrimSpace(ext))
		if normalized == "" {
			continue
		}
		exts[normalized] = true
	}

	return &Filter{
		excludeDirs:  dirs,
		excludeFiles: files,
		include:      inc,
		extensions:   exts,
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, g)
	}
	return compiled, nil
}

func (f *Filter) SkipDir(path string) bool {
	base := filepath.Base(path)
	for _, g := range f.excludeDirs {
		if g.Match(base) {
			return true
		}
	}
	return false
}

func (f *Filter) Track(path string) bool {
	base := filepath.Base(path)
	for _, g := range f.excludeFiles {
		if g.Match(base) {
			return false
		}
	}
	for _, g := range f.include {
		if g.Match(base) {
			return true
		}
	}
	if len(f.extensions) == 0 {
		return true
	}
	return f.extensions[strings.ToLower(filepath.Ext(base))]
}
