package layer

import (
	"fmt"
	"sort"
	"strings"

	"devloop/internal/core/config"
	"devloop/internal/data/manifest"

	"github.com/gobwas/glob"
)

type typeGlobs struct {
	fileType manifest.FileType
	globs    []glob.Glob
}

// Classifier assigns file types from path globs and decides the reload tier
// of a batch.
type Classifier struct {
	order  []typeGlobs
	policy string
}

func NewClassifier(layers config.Layers) (*Classifier, error) {
	groups := []struct {
		t        manifest.FileType
		patterns []string
	}{
		{manifest.TypeEnv, layers.Env},
		{manifest.TypeEntry, layers.Entry},
		{manifest.TypeConfig, layers.Config},
		{manifest.TypeRoute, layers.Route},
		{manifest.TypeController, layers.Controller},
		{manifest.TypeService, layers.Service},
		{manifest.TypeModel, layers.Model},
	}

	c := &Classifier{policy: strings.ToLower(strings.TrimSpace(layers.Propagation))}
	if c.policy == "" {
		c.policy = config.PropagationClosure
	}
	for _, g := range groups {
		tg := typeGlobs{fileType: g.t}
		for _, p := range g.patterns {
			compiled, err := glob.Compile(p, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid %s pattern %q: %w", g.t, p, err)
			}
			tg.globs = append(tg.globs, compiled)
		}
		c.order = append(c.order, tg)
	}
	return c, nil
}

func (c *Classifier) Policy() string { return c.policy }

// TypeOf returns the first type whose patterns match path, or TypeOther.
func (c *Classifier) TypeOf(path string) manifest.FileType {
	for _, tg := range c.order {
		for _, g := range tg.globs {
			if g.Match(path) {
				return tg.fileType
			}
		}
	}
	return manifest.TypeOther
}

// TierOf maps a file type to the tier a change to it seeds.
func TierOf(t manifest.FileType) manifest.Tier {
	switch t {
	case manifest.TypeEnv, manifest.TypeEntry, manifest.TypeConfig:
		return manifest.TierFullRestart
	default:
		return manifest.TierHot
	}
}

// DependentsGraph is the reverse adjacency the forward pass follows.
type DependentsGraph interface {
	Dependents(path string) []string
}

// Assessment is the classification of one batch.
type Assessment struct {
	// Tier is the batch severity, the maximum over the changed files.
	Tier manifest.Tier
	// Tiers holds the tier of every node the pass reached.
	Tiers map[string]manifest.Tier
	// Source names, for each inherited node, the changed file it was reached
	// from first.
	Source map[string]string
}

// Reached returns the reached nodes sorted by path.
func (a Assessment) Reached() []string {
	out := make([]string, 0, len(a.Tiers))
	for p := range a.Tiers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Assess seeds every changed file with its own tier and propagates forward
// along dependents. Inherited nodes get at least hot; only the changed files
// themselves raise the batch to full-restart. Under stop_at_restart the pass
// does not continue past a dependent whose own type is full-restart.
func (c *Classifier) Assess(g DependentsGraph, changed []string, typeOf func(string) manifest.FileType) Assessment {
	a := Assessment{
		Tiers:  make(map[string]manifest.Tier),
		Source: make(map[string]string),
	}

	seeds := append([]string(nil), changed...)
	sort.Strings(seeds)

	type item struct{ path, seed string }
	queue := make([]item, 0, len(seeds))
	for _, p := range seeds {
		tier := TierOf(typeOf(p))
		a.Tiers[p] = manifest.MaxTier(a.Tiers[p], tier)
		a.Tier = manifest.MaxTier(a.Tier, tier)
		queue = append(queue, item{p, p})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, dep := range g.Dependents(cur.path) {
			if _, seen := a.Tiers[dep]; seen {
				continue
			}
			a.Tiers[dep] = manifest.TierHot
			a.Source[dep] = cur.seed
			if c.policy == config.PropagationStopAtRestart && TierOf(typeOf(dep)) == manifest.TierFullRestart {
				continue
			}
			queue = append(queue, item{dep, cur.seed})
		}
	}
	return a
}
