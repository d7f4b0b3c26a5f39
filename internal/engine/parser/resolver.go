package parser

import (
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultExtensions is the probe order for extensionless specifiers.
var DefaultExtensions = []string{".ts", ".tsx", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs", ".json"}

// Emitted-extension specifiers (`./user.js` written in a .ts file) are mapped
// back to their sources first.
var sourceExtensions = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

// Resolver maps relative specifiers onto project paths the way node and
// TypeScript module resolution would for files inside the project.
type Resolver struct {
	exists     func(rel string) bool
	extensions []string
}

// NewResolver builds a resolver. exists reports whether a project path is a
// tracked file; extensions sets the probe order and defaults to
// DefaultExtensions.
func NewResolver(exists func(rel string) bool, extensions []string) *Resolver {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	return &Resolver{exists: exists, extensions: extensions}
}

// DiskExists returns an existence check against regular files under root.
func DiskExists(root string) func(rel string) bool {
	return func(rel string) bool {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		return err == nil && info.Mode().IsRegular()
	}
}

// Resolve returns the project path spec refers to from the file from. It
// fails for specifiers that leave the project or match no file.
func (r *Resolver) Resolve(from, spec string) (string, bool) {
	target := path.Clean(path.Join(path.Dir(from), spec))
	if target == ".." || strings.HasPrefix(target, "../") {
		return "", false
	}

	for _, candidate := range r.candidates(target) {
		if r.exists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (r *Resolver) candidates(target string) []string {
	var out []string
	ext := path.Ext(target)
	if ext != "" {
		out = append(out, target)
		stem := strings.TrimSuffix(target, ext)
		for _, src := range sourceExtensions[ext] {
			out = append(out, stem+src)
		}
	}
	for _, e := range r.extensions {
		out = append(out, target+e)
	}
	for _, e := range r.extensions {
		out = append(out, path.Join(target, "index"+e))
	}
	return out
}
