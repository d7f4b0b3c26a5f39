package report

import (
	"fmt"
	"sort"
	"strings"

	"devloop/internal/data/manifest"
)

// DependencyGraph is the read side of the import graph the diagram needs.
type DependencyGraph interface {
	Nodes() []string
	Dependencies(path string) []string
	ParseErrors() []string
}

var typeOrder = []manifest.FileType{
	manifest.TypeEnv,
	manifest.TypeEntry,
	manifest.TypeConfig,
	manifest.TypeRoute,
	manifest.TypeController,
	manifest.TypeService,
	manifest.TypeModel,
	manifest.TypeOther,
}

// GenerateMermaid renders the import graph as a left-to-right flowchart with
// one subgraph per file type. Imports of files that no longer exist are drawn
// to dashed placeholder nodes.
func GenerateMermaid(g DependencyGraph, typeOf func(string) manifest.FileType, cycles [][]string) string {
	nodes := g.Nodes()
	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	missingSet := make(map[string]bool)
	edges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		deps := g.Dependencies(n)
		edges[n] = deps
		for _, d := range deps {
			if !nodeSet[d] {
				missingSet[d] = true
			}
		}
	}
	missing := make([]string, 0, len(missingSet))
	for m := range missingSet {
		missing = append(missing, m)
	}
	sort.Strings(missing)
	ids := makeIDs(append(append([]string{}, nodes...), missing...))

	var b strings.Builder
	b.WriteString("flowchart LR\n")

	byType := make(map[manifest.FileType][]string)
	for _, n := range nodes {
		t := typeOf(n)
		byType[t] = append(byType[t], n)
	}
	for _, t := range typeOrder {
		members := byType[t]
		if len(members) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("  subgraph type_%s[\"%s\"]\n", sanitizeID(string(t)), t))
		for _, n := range members {
			b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", ids[n], escapeLabel(n)))
		}
		b.WriteString("  end\n")
	}
	for _, m := range missing {
		b.WriteString(fmt.Sprintf("  %s[\"%s (missing)\"]\n", ids[m], escapeLabel(m)))
	}

	b.WriteString("\n")
	for _, n := range nodes {
		for _, d := range edges[n] {
			arrow := "-->"
			if missingSet[d] {
				arrow = "-.->"
			}
			b.WriteString(fmt.Sprintf("  %s %s %s\n", ids[n], arrow, ids[d]))
		}
	}

	writeClass(&b, "missingNode", "fill:#efefef,stroke:#808080,stroke-dasharray:4 3,color:#000000", missing, ids)

	var cycleNodes []string
	seen := make(map[string]bool)
	for _, c := range cycles {
		for _, n := range c {
			if nodeSet[n] && !seen[n] {
				seen[n] = true
				cycleNodes = append(cycleNodes, n)
			}
		}
	}
	sort.Strings(cycleNodes)
	writeClass(&b, "cycleNode", "fill:#ffecec,stroke:#cc0000,stroke-width:2px,color:#000000", cycleNodes, ids)

	var broken []string
	for _, p := range g.ParseErrors() {
		if nodeSet[p] {
			broken = append(broken, p)
		}
	}
	writeClass(&b, "parseErrorNode", "fill:#fff4d6,stroke:#b7791f,stroke-width:2px,color:#000000", broken, ids)

	return b.String()
}

func writeClass(b *strings.Builder, name, style string, members []string, ids map[string]string) {
	if len(members) == 0 {
		return
	}
	refs := make([]string, 0, len(members))
	for _, m := range members {
		refs = append(refs, ids[m])
	}
	b.WriteString(fmt.Sprintf("  classDef %s %s;\n", name, style))
	b.WriteString(fmt.Sprintf("  class %s %s;\n", strings.Join(refs, ","), name))
}
