package architecture

import (
	"fmt"
	"sort"

	"devloop/internal/data/manifest"
)

// Imports is the part of the dependency graph the evaluator reads.
type Imports interface {
	HasNode(path string) bool
	Dependencies(path string) []string
}

// Violation is one import edge that a rule forbids.
type Violation struct {
	Rule   string
	File   string
	Target string
}

func (v Violation) Message() string {
	return fmt.Sprintf("import of %s violates rule %q", v.Target, v.Rule)
}

type Evaluator struct {
	rules  RuleSet
	typeOf func(string) manifest.FileType
}

func NewEvaluator(rules RuleSet, typeOf func(string) manifest.FileType) *Evaluator {
	return &Evaluator{rules: rules, typeOf: typeOf}
}

// Evaluate checks the outgoing imports of files. Files missing from the
// graph are skipped. Violations are ordered by file, target and rule.
func (e *Evaluator) Evaluate(g Imports, files []string) []Violation {
	if e == nil || e.rules.Empty() || g == nil {
		return nil
	}

	var out []Violation
	for _, file := range files {
		if !g.HasNode(file) {
			continue
		}
		fileType := e.typeOf(file)
		deps := g.Dependencies(file)
		for _, rule := range e.rules.rules {
			if !rule.Covers(file, fileType) {
				continue
			}
			for _, target := range deps {
				if rule.AllowsImport(target, e.typeOf(target)) {
					continue
				}
				out = append(out, Violation{Rule: rule.Name, File: file, Target: target})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}
