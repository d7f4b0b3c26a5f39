package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestView_AggregatesAcrossKinds(t *testing.T) {
	v := NewView()
	var published []Snapshot
	unsubscribe := v.Subscribe(func(s Snapshot) { published = append(published, s) })

	a := FileInput{Path: "/p/a.ts", RelativePath: "a.ts"}
	b := FileInput{Path: "/p/b.ts", RelativePath: "b.ts"}

	assert.True(t, v.Update("syntax", []FileResult{HealthyResult(a), HealthyResult(b)}))
	assert.True(t, v.Update("lint", []FileResult{unhealthy(a, "no-var")}))

	snap := v.Snapshot()
	assert.False(t, snap.Healthy)
	assert.Equal(t, 1, snap.Unhealthy)
	require.Len(t, snap.Files, 2)
	assert.Equal(t, "a.ts", snap.Files[0].Path)
	assert.False(t, snap.Files[0].Healthy)
	assert.Equal(t, []string{"lint"}, snap.Files[0].Kinds)
	assert.Len(t, snap.Files[0].Errors, 1)
	assert.True(t, snap.Files[1].Healthy)

	t.Run("identical results do not publish", func(t *testing.T) {
		before := len(published)
		assert.False(t, v.Update("lint", []FileResult{unhealthy(a, "no-var")}))
		assert.Len(t, published, before)
	})

	t.Run("fix makes project healthy", func(t *testing.T) {
		v.Update("lint", []FileResult{HealthyResult(a)})
		assert.True(t, v.Snapshot().Healthy)
	})

	t.Run("remove", func(t *testing.T) {
		assert.True(t, v.Remove([]string{"b.ts"}))
		assert.False(t, v.Remove([]string{"missing.ts"}))
		assert.Len(t, v.Snapshot().Files, 1)
	})

	unsubscribe()
	before := len(published)
	v.Update("lint", []FileResult{unhealthy(a, "again")})
	assert.Len(t, published, before)
	assert.Equal(t, uint64(5), v.Snapshot().Version)
}
