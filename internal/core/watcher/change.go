package watcher

import (
	"sort"
	"time"
)

// Op is the disposition of a path within a batch.
type Op int

const (
	OpNone Op = iota
	OpCreate
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "none"
	}
}

// Change is a single coalesced event. Content is optional and carried only by
// producers that already hold the file body (the health pipeline).
type Change struct {
	Path    string
	Op      Op
	Content []byte
}

// Batch is the set of changes emitted for one debounce window. Paths are
// unique and sorted.
type Batch struct {
	ID      string
	Changes []Change
	At      time.Time
}

// Paths returns the batch paths in order.
func (b Batch) Paths() []string {
	out := make([]string, len(b.Changes))
	for i, c := range b.Changes {
		out[i] = c.Path
	}
	return out
}

// Merge folds next into prev, the net disposition of a path observed as prev
// and then next within the same window. OpNone means the path vanishes from
// the batch: a file created and deleted inside one window never existed as
// far as the build is concerned.
func Merge(prev, next Op) Op {
	switch prev {
	case OpNone:
		return next
	case OpCreate:
		switch next {
		case OpDelete:
			return OpNone
		default:
			return OpCreate
		}
	case OpModify:
		switch next {
		case OpDelete:
			return OpDelete
		default:
			return OpModify
		}
	case OpDelete:
		switch next {
		case OpDelete:
			return OpDelete
		default:
			return OpModify
		}
	}
	return next
}

// Coalesce reduces an ordered event stream to one change per path. The most
// recent non-nil content wins.
func Coalesce(events []Change) []Change {
	state := make(map[string]*Change, len(events))
	for _, ev := range events {
		cur, ok := state[ev.Path]
		if !ok {
			cur = &Change{Path: ev.Path}
			state[ev.Path] = cur
		}
		applyEvent(cur, ev)
	}
	return collect(state)
}

func applyEvent(cur *Change, ev Change) {
	cur.Op = Merge(cur.Op, ev.Op)
	switch {
	case cur.Op == OpDelete || cur.Op == OpNone:
		cur.Content = nil
	case ev.Content != nil:
		cur.Content = ev.Content
	}
}

func collect(state map[string]*Change) []Change {
	out := make([]Change, 0, len(state))
	for _, c := range state {
		if c.Op == OpNone {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
