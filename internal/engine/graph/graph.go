package graph

import (
	"fmt"
	"sort"
	"sync"

	"devloop/internal/data/manifest"
	"devloop/internal/shared/observability"
)

// Graph holds the file-level dependency relation in both directions. Paths
// are project-relative identifiers shared with the manifest. An edge may
// point at a path that is not (or no longer) a node: a dependent keeps its
// edge to a deleted file so the relation is restored when it reappears.
type Graph struct {
	mu sync.RWMutex

	nodes   map[string]bool
	imports map[string]map[string]bool // from -> dependencies
	// importedBy is the exact inverse of imports.
	importedBy map[string]map[string]bool

	parseErrors map[string]error
	edges       int
}

// Delta is the symmetric difference applied by ApplyChange.
type Delta struct {
	Added   []string
	Removed []string
}

// Affected returns every neighbour whose reverse adjacency changed.
func (d Delta) Affected() []string {
	out := make([]string, 0, len(d.Added)+len(d.Removed))
	out = append(out, d.Added...)
	out = append(out, d.Removed...)
	sort.Strings(out)
	return out
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

func NewGraph() *Graph {
	return &Graph{
		nodes:       make(map[string]bool),
		imports:     make(map[string]map[string]bool),
		importedBy:  make(map[string]map[string]bool),
		parseErrors: make(map[string]error),
	}
}

// Build derives a graph from manifest records. Stored dependents are ignored;
// the reverse relation is always recomputed from dependencies.
func Build(records []manifest.FileRecord) *Graph {
	g := NewGraph()
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rec := range records {
		g.nodes[rec.Path] = true
	}
	for _, rec := range records {
		g.applyLocked(rec.Path, rec.Dependencies)
	}
	g.publishLocked()
	return g
}

// AddNode marks path as an existing file.
func (g *Graph) AddNode(path string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[path] = true
	g.publishLocked()
}

func (g *Graph) HasNode(path string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[path]
}

// ApplyChange replaces the dependencies of path and updates only the reverse
// entries of neighbours in the symmetric difference. It also marks path as a
// node and clears its parse-error marker.
func (g *Graph) ApplyChange(path string, dependencies []string) Delta {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[path] = true
	delete(g.parseErrors, path)
	delta := g.applyLocked(path, dependencies)
	g.publishLocked()
	return delta
}

func (g *Graph) applyLocked(path string, dependencies []string) Delta {
	next := make(map[string]bool, len(dependencies))
	for _, dep := range dependencies {
		if dep == "" {
			continue
		}
		next[dep] = true
	}
	prev := g.imports[path]

	var delta Delta
	for dep := range prev {
		if !next[dep] {
			delta.Removed = append(delta.Removed, dep)
		}
	}
	for dep := range next {
		if !prev[dep] {
			delta.Added = append(delta.Added, dep)
		}
	}
	sort.Strings(delta.Added)
	sort.Strings(delta.Removed)

	for _, dep := range delta.Removed {
		g.unlinkLocked(path, dep)
	}
	for _, dep := range delta.Added {
		g.linkLocked(path, dep)
	}
	if len(next) == 0 {
		delete(g.imports, path)
	}
	return delta
}

func (g *Graph) linkLocked(from, to string) {
	if g.imports[from] == nil {
		g.imports[from] = make(map[string]bool)
	}
	if g.importedBy[to] == nil {
		g.importedBy[to] = make(map[string]bool)
	}
	g.imports[from][to] = true
	g.importedBy[to][from] = true
	g.edges++
}

func (g *Graph) unlinkLocked(from, to string) {
	delete(g.imports[from], to)
	if len(g.imports[from]) == 0 {
		delete(g.imports, from)
	}
	delete(g.importedBy[to], from)
	if len(g.importedBy[to]) == 0 {
		delete(g.importedBy, to)
	}
	g.edges--
}

// RemoveNode deletes path as a file: its own dependencies are dropped while
// edges pointing at it are kept. It returns the former dependencies.
func (g *Graph) RemoveNode(path string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	delta := g.applyLocked(path, nil)
	delete(g.nodes, path)
	delete(g.parseErrors, path)
	g.publishLocked()
	return delta.Removed
}

// MarkParseError flags path as stale: its edges are the last successfully
// extracted ones.
func (g *Graph) MarkParseError(path string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.parseErrors, path)
		return
	}
	g.parseErrors[path] = err
}

func (g *Graph) ParseError(path string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.parseErrors[path]
}

// ParseErrors returns the flagged paths, sorted.
func (g *Graph) ParseErrors() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.parseErrors)
}

func (g *Graph) Dependencies(path string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.imports[path])
}

func (g *Graph) Dependents(path string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.importedBy[path])
}

// Nodes returns every existing file, sorted.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedKeys(g.nodes)
}

func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges
}

// CheckInverse verifies that importedBy is exactly the inverse of imports.
func (g *Graph) CheckInverse() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for from, deps := range g.imports {
		for to := range deps {
			count++
			if !g.importedBy[to][from] {
				return fmt.Errorf("edge %s -> %s missing from reverse index", from, to)
			}
		}
	}
	for to, froms := range g.importedBy {
		for from := range froms {
			if !g.imports[from][to] {
				return fmt.Errorf("reverse edge %s <- %s has no forward edge", to, from)
			}
		}
	}
	if count != g.edges {
		return fmt.Errorf("edge counter %d does not match %d edges", g.edges, count)
	}
	return nil
}

func (g *Graph) publishLocked() {
	observability.GraphNodes.Set(float64(len(g.nodes)))
	observability.GraphEdges.Set(float64(g.edges))
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
