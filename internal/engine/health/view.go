package health

import (
	"reflect"
	"sort"
	"sync"
	"time"

	"devloop/internal/shared/observability"
)

// FileHealth is the merged health of one file across worker kinds.
type FileHealth struct {
	Path     string       `json:"path"`
	Healthy  bool         `json:"healthy"`
	Errors   []Diagnostic `json:"errors"`
	Warnings []Diagnostic `json:"warnings"`
	// Kinds lists the workers that reported this file unhealthy.
	Kinds []string `json:"kinds,omitempty"`
}

// Snapshot is the project-wide health at one point in time. The project is
// healthy iff every reported file is healthy.
type Snapshot struct {
	Healthy   bool         `json:"healthy"`
	Unhealthy int          `json:"unhealthy"`
	Files     []FileHealth `json:"files"`
	Version   uint64       `json:"version"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// View aggregates per-kind results keyed by project-relative path and
// notifies subscribers when the aggregate changes.
type View struct {
	mu      sync.RWMutex
	byPath  map[string]map[string]FileResult
	version uint64
	updated time.Time
	subs    map[int]func(Snapshot)
	nextSub int
}

func NewView() *View {
	return &View{
		byPath: make(map[string]map[string]FileResult),
		subs:   make(map[int]func(Snapshot)),
	}
}

func resultKey(r FileResult) string {
	if r.RelativePath != "" {
		return r.RelativePath
	}
	return r.Path
}

// Update records one worker kind's results. Subscribers are notified only
// when something changed.
func (v *View) Update(kind string, results []FileResult) bool {
	v.mu.Lock()
	changed := false
	for _, r := range results {
		key := resultKey(r)
		kinds := v.byPath[key]
		if kinds == nil {
			kinds = make(map[string]FileResult)
			v.byPath[key] = kinds
		}
		if prev, ok := kinds[kind]; ok && reflect.DeepEqual(prev, r) {
			continue
		}
		kinds[kind] = r
		changed = true
	}
	return v.commit(changed)
}

// Remove forgets deleted files.
func (v *View) Remove(paths []string) bool {
	v.mu.Lock()
	changed := false
	for _, p := range paths {
		if _, ok := v.byPath[p]; ok {
			delete(v.byPath, p)
			changed = true
		}
	}
	return v.commit(changed)
}

// commit is called with v.mu held and releases it.
func (v *View) commit(changed bool) bool {
	if !changed {
		v.mu.Unlock()
		return false
	}
	v.version++
	v.updated = time.Now()
	snap := v.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	observability.UnhealthyFiles.Set(float64(snap.Unhealthy))
	for _, fn := range subs {
		fn(snap)
	}
	return true
}

func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshotLocked()
}

func (v *View) snapshotLocked() Snapshot {
	snap := Snapshot{
		Healthy:   true,
		Files:     make([]FileHealth, 0, len(v.byPath)),
		Version:   v.version,
		UpdatedAt: v.updated,
	}
	paths := make([]string, 0, len(v.byPath))
	for p := range v.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		kinds := v.byPath[p]
		names := make([]string, 0, len(kinds))
		for k := range kinds {
			names = append(names, k)
		}
		sort.Strings(names)

		fh := FileHealth{Path: p, Healthy: true, Errors: []Diagnostic{}, Warnings: []Diagnostic{}}
		for _, k := range names {
			r := kinds[k]
			fh.Errors = append(fh.Errors, r.Errors...)
			fh.Warnings = append(fh.Warnings, r.Warnings...)
			if !r.Healthy {
				fh.Healthy = false
				fh.Kinds = append(fh.Kinds, k)
			}
		}
		if !fh.Healthy {
			snap.Healthy = false
			snap.Unhealthy++
		}
		snap.Files = append(snap.Files, fh)
	}
	return snap
}

// Subscribe registers fn for change notifications. fn runs on the updating
// goroutine and must not block.
func (v *View) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}
