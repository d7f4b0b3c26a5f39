package layer

import (
	"testing"

	"devloop/internal/core/config"
	"devloop/internal/data/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dependents map[string][]string

func (d dependents) Dependents(path string) []string { return d[path] }

func newClassifier(t *testing.T, policy string) *Classifier {
	t.Helper()
	cfg := config.Default()
	cfg.Layers.Propagation = policy
	c, err := NewClassifier(cfg.Layers)
	require.NoError(t, err)
	return c
}

func TestClassifier_TypeOf(t *testing.T) {
	c := newClassifier(t, config.PropagationClosure)

	tests := []struct {
		path string
		want manifest.FileType
	}{
		{".env", manifest.TypeEnv},
		{".env.local", manifest.TypeEnv},
		{"src/main.ts", manifest.TypeEntry},
		{"src/config/db.config.ts", manifest.TypeConfig},
		{"db.config.ts", manifest.TypeConfig},
		{"package.json", manifest.TypeConfig},
		{"src/routes/users.ts", manifest.TypeRoute},
		{"src/controllers/users.controller.ts", manifest.TypeController},
		{"src/users.service.ts", manifest.TypeService},
		{"src/models/user.ts", manifest.TypeModel},
		{"src/utils/strings.ts", manifest.TypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, c.TypeOf(tt.path))
		})
	}
}

func TestClassifier_FirstMatchWins(t *testing.T) {
	c, err := NewClassifier(config.Layers{
		Config:     []string{"**.config.ts"},
		Controller: []string{"**.ts"},
	})
	require.NoError(t, err)
	assert.Equal(t, manifest.TypeConfig, c.TypeOf("app.config.ts"))
	assert.Equal(t, manifest.TypeController, c.TypeOf("app.ts"))
	assert.Equal(t, config.PropagationClosure, c.Policy())
}

func TestTierOf(t *testing.T) {
	for _, ft := range []manifest.FileType{manifest.TypeEnv, manifest.TypeEntry, manifest.TypeConfig} {
		assert.Equal(t, manifest.TierFullRestart, TierOf(ft), ft)
	}
	for _, ft := range []manifest.FileType{manifest.TypeRoute, manifest.TypeController, manifest.TypeService, manifest.TypeModel, manifest.TypeOther} {
		assert.Equal(t, manifest.TierHot, TierOf(ft), ft)
	}
}

func TestClassifier_Assess(t *testing.T) {
	graph := dependents{
		"src/config/db.config.ts":             {"src/services/users.service.ts"},
		"src/services/users.service.ts":       {"src/controllers/users.controller.ts", "src/app.config.ts"},
		"src/controllers/users.controller.ts": {"src/main.ts"},
		"src/app.config.ts":                   {"src/routes/index.ts"},
	}

	t.Run("EnvIsFullRestart", func(t *testing.T) {
		c := newClassifier(t, config.PropagationClosure)
		a := c.Assess(graph, []string{".env"}, c.TypeOf)
		assert.Equal(t, manifest.TierFullRestart, a.Tier)
	})

	t.Run("LoneControllerIsHot", func(t *testing.T) {
		c := newClassifier(t, config.PropagationClosure)
		a := c.Assess(graph, []string{"src/controllers/users.controller.ts"}, c.TypeOf)
		assert.Equal(t, manifest.TierHot, a.Tier)
		// The entry point imports the controller but only inherits hot.
		assert.Equal(t, manifest.TierHot, a.Tiers["src/main.ts"])
		assert.Equal(t, "src/controllers/users.controller.ts", a.Source["src/main.ts"])
	})

	t.Run("ConfigDependentsInheritHot", func(t *testing.T) {
		c := newClassifier(t, config.PropagationClosure)
		a := c.Assess(graph, []string{"src/config/db.config.ts"}, c.TypeOf)
		assert.Equal(t, manifest.TierFullRestart, a.Tier)
		assert.Equal(t, manifest.TierFullRestart, a.Tiers["src/config/db.config.ts"])
		assert.Equal(t, manifest.TierHot, a.Tiers["src/services/users.service.ts"])
		assert.Equal(t, []string{
			"src/app.config.ts",
			"src/config/db.config.ts",
			"src/controllers/users.controller.ts",
			"src/main.ts",
			"src/routes/index.ts",
			"src/services/users.service.ts",
		}, a.Reached())
	})

	t.Run("StopAtRestart", func(t *testing.T) {
		c := newClassifier(t, config.PropagationStopAtRestart)
		a := c.Assess(graph, []string{"src/services/users.service.ts"}, c.TypeOf)
		assert.Equal(t, manifest.TierHot, a.Tier)
		assert.Contains(t, a.Tiers, "src/app.config.ts")
		assert.Contains(t, a.Tiers, "src/main.ts")
		assert.NotContains(t, a.Tiers, "src/routes/index.ts")
	})

	t.Run("CycleTerminates", func(t *testing.T) {
		c := newClassifier(t, config.PropagationClosure)
		cyclic := dependents{"a.ts": {"b.ts"}, "b.ts": {"a.ts"}}
		a := c.Assess(cyclic, []string{"a.ts"}, c.TypeOf)
		assert.Equal(t, []string{"a.ts", "b.ts"}, a.Reached())
	})
}
