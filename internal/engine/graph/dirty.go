package graph

import (
	"sort"

	"devloop/internal/shared/observability"
)

// DirtySet is the transitive closure of a batch over dependents.
type DirtySet struct {
	// Paths includes the seeds and is sorted.
	Paths []string
	// Cycles lists every strongly connected component of size > 1 (or a
	// self-import) found inside the closure. Cycles never stop invalidation.
	Cycles [][]string
}

func (d DirtySet) Contains(path string) bool {
	i := sort.SearchStrings(d.Paths, path)
	return i < len(d.Paths) && d.Paths[i] == path
}

// DirtySetFor walks dependents breadth-first from seeds. Every node is
// visited once, so cycles terminate.
func (g *Graph) DirtySetFor(seeds []string) DirtySet {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		queue = append(queue, s)
	}

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		for _, next := range sortedKeys(g.importedBy[curr]) {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}

	paths := sortedKeys(seen)
	cycles := g.cyclesLocked(seen)
	if len(cycles) > 0 {
		observability.GraphCyclesTotal.Add(float64(len(cycles)))
	}
	observability.DirtySetSize.Observe(float64(len(paths)))
	return DirtySet{Paths: paths, Cycles: cycles}
}

// TopologicalOrder orders subset so that dependencies come before their
// dependents, considering only edges inside subset. Members of a cycle have
// no valid order; they are emitted together, sorted by path, after
// everything they depend on. The cycles found are returned alongside.
func (g *Graph) TopologicalOrder(subset []string) ([]string, [][]string) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	in := make(map[string]bool, len(subset))
	for _, p := range subset {
		in[p] = true
	}

	var order []string
	var cycles [][]string
	for _, scc := range g.sccLocked(in) {
		order = append(order, scc...)
		if len(scc) > 1 || g.imports[scc[0]][scc[0]] {
			cycles = append(cycles, scc)
		}
	}
	return order, cycles
}

// DetectCycles reports every cycle in the whole graph.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	all := make(map[string]bool, len(g.imports)+len(g.importedBy))
	for p := range g.imports {
		all[p] = true
	}
	for p := range g.importedBy {
		all[p] = true
	}
	return g.cyclesLocked(all)
}

func (g *Graph) cyclesLocked(in map[string]bool) [][]string {
	var cycles [][]string
	for _, scc := range g.sccLocked(in) {
		if len(scc) > 1 || g.imports[scc[0]][scc[0]] {
			cycles = append(cycles, scc)
		}
	}
	return cycles
}

// sccLocked runs Tarjan's algorithm over forward edges restricted to in.
// Components are emitted dependencies-first; each is sorted, and start
// nodes and neighbours are visited in path order so output is stable.
func (g *Graph) sccLocked(in map[string]bool) [][]string {
	var (
		index   = 0
		indices = make(map[string]int, len(in))
		lowlink = make(map[string]int, len(in))
		onStack = make(map[string]bool, len(in))
		stack   []string
		out     [][]string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range sortedKeys(g.imports[v]) {
			if !in[w] {
				continue
			}
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] && indices[w] < lowlink[v] {
				lowlink[v] = indices[w]
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				n := len(stack) - 1
				w := stack[n]
				stack = stack[:n]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sort.Strings(scc)
			out = append(out, scc)
		}
	}

	for _, v := range sortedKeys(in) {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}
	return out
}
