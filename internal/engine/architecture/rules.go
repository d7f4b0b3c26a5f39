package architecture

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"devloop/internal/core/config"
	"devloop/internal/data/manifest"
	"devloop/internal/shared/util"

	"github.com/gobwas/glob"
)

// RuleSet is the compiled form of the configured import rules.
type RuleSet struct {
	rules []Rule
}

type Rule struct {
	Name    string
	Files   []pattern
	Allow   []pattern
	Deny    []pattern
	Exclude []pattern
}

// pattern matches a project-relative path by file type, glob or prefix.
type pattern struct {
	raw      string
	fileType manifest.FileType
	glob     glob.Glob
}

func NewRuleSet(rules []config.ImportRule) (RuleSet, error) {
	out := RuleSet{rules: make([]Rule, 0, len(rules))}
	for _, rule := range rules {
		r := Rule{Name: rule.Name}
		var err error
		if r.Files, err = compilePatterns(rule.Files); err != nil {
			return RuleSet{}, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if r.Allow, err = compilePatterns(rule.Allow); err != nil {
			return RuleSet{}, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if r.Deny, err = compilePatterns(rule.Deny); err != nil {
			return RuleSet{}, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		if r.Exclude, err = compilePatterns(rule.Exclude); err != nil {
			return RuleSet{}, fmt.Errorf("rule %q: %w", rule.Name, err)
		}
		out.rules = append(out.rules, r)
	}
	sort.SliceStable(out.rules, func(i, j int) bool { return out.rules[i].Name < out.rules[j].Name })
	return out, nil
}

func (r RuleSet) Empty() bool { return len(r.rules) == 0 }

func (r RuleSet) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Covers reports whether the rule applies to file.
func (r Rule) Covers(file string, fileType manifest.FileType) bool {
	return matchAny(r.Files, file, fileType) && !matchAny(r.Exclude, file, fileType)
}

// AllowsImport reports whether a covered file may import target. Deny wins
// over allow; an empty allow list allows everything not denied.
func (r Rule) AllowsImport(target string, targetType manifest.FileType) bool {
	if matchAny(r.Deny, target, targetType) {
		return false
	}
	if len(r.Allow) == 0 {
		return true
	}
	return matchAny(r.Allow, target, targetType)
}

func compilePatterns(raw []string) ([]pattern, error) {
	out := make([]pattern, 0, len(raw))
	for _, p := range raw {
		if name, ok := strings.CutPrefix(strings.TrimSpace(p), config.RuleTypePrefix); ok {
			out = append(out, pattern{raw: p, fileType: manifest.FileType(strings.TrimSpace(name))})
			continue
		}
		norm := util.NormalizePatternPath(p)
		if norm == "" {
			continue
		}
		cp := pattern{raw: norm}
		if strings.ContainsAny(norm, "*?[]{}") {
			g, err := glob.Compile(norm, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			cp.glob = g
		}
		out = append(out, cp)
	}
	return out, nil
}

func matchAny(patterns []pattern, file string, fileType manifest.FileType) bool {
	file = util.NormalizePatternPath(file)
	for _, p := range patterns {
		switch {
		case p.fileType != "":
			if p.fileType == fileType {
				return true
			}
		case p.glob != nil:
			if p.glob.Match(file) || p.glob.Match(path.Base(file)) {
				return true
			}
		default:
			if util.HasPathPrefix(file, p.raw) {
				return true
			}
		}
	}
	return false
}
