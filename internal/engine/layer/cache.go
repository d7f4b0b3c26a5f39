package layer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"devloop/internal/shared/util"
)

// Module is the live artifact of one source file.
type Module struct {
	Path     string
	Hash     string
	Artifact string // absolute path of the compiled file
}

// ModuleCache maps source paths to their current artifacts. A swap replaces
// a set of modules at once and bumps the generation.
type ModuleCache struct {
	mu         sync.RWMutex
	modules    map[string]Module
	generation uint64
}

func NewModuleCache() *ModuleCache {
	return &ModuleCache{modules: make(map[string]Module)}
}

func (c *ModuleCache) Get(path string) (Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modules[path]
	return m, ok
}

// Swap installs mods atomically and returns the artifacts they replaced.
func (c *ModuleCache) Swap(mods []Module) []Module {
	c.mu.Lock()
	defer c.mu.Unlock()
	var replaced []Module
	for _, m := range mods {
		if prev, ok := c.modules[m.Path]; ok && prev.Artifact != m.Artifact {
			replaced = append(replaced, prev)
		}
		c.modules[m.Path] = m
	}
	if len(mods) > 0 {
		c.generation++
	}
	return replaced
}

func (c *ModuleCache) Remove(path string) (Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.modules[path]
	if ok {
		delete(c.modules, path)
		c.generation++
	}
	return m, ok
}

func (c *ModuleCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

func (c *ModuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.modules)
}

// Paths returns the cached source paths sorted.
func (c *ModuleCache) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.modules))
	for p := range c.modules {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ArtifactStore names and writes compiled modules below one directory as
// <escaped path>.<hash12>.js.
type ArtifactStore struct {
	dir string
}

func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{dir: dir}
}

func (s *ArtifactStore) Dir() string { return s.dir }

// Separators are percent-escaped, and so is '%' itself, so distinct paths
// never share a name.
var artifactEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "\\", "%5C", ":", "%3A")

// ArtifactName returns the artifact file name for a source path and content hash.
func ArtifactName(path, hash string) string {
	flat := artifactEscaper.Replace(path)
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return fmt.Sprintf("%s.%s.js", flat, hash)
}

func (s *ArtifactStore) PathFor(path, hash string) string {
	return filepath.Join(s.dir, ArtifactName(path, hash))
}

// Write stores data atomically and returns the artifact path.
func (s *ArtifactStore) Write(path, hash string, data []byte) (string, error) {
	target := s.PathFor(path, hash)
	if err := util.WriteFileAtomic(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

func (s *ArtifactStore) Exists(artifact string) bool {
	info, err := os.Stat(artifact)
	return err == nil && info.Mode().IsRegular()
}

// Discard removes an artifact that is no longer referenced. Failures are
// ignored: a stale artifact is never loaded again.
func (s *ArtifactStore) Discard(artifact string) {
	if artifact != "" {
		_ = os.Remove(artifact)
	}
}
