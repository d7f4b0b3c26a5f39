package watcher

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Batcher coalesces changes over a sliding window and emits at most one
// non-empty batch per window. Emission is serialized: a new batch is never
// delivered while the previous callback is still running.
type Batcher struct {
	window time.Duration
	emit   func(Batch)

	mu      sync.Mutex
	pending map[string]*Change
	timer   *time.Timer
	stopped bool

	callbackMu sync.Mutex
}

// NewBatcher returns a Batcher that calls emit after window of quiet.
func NewBatcher(window time.Duration, emit func(Batch)) *Batcher {
	return &Batcher{
		window:  window,
		emit:    emit,
		pending: make(map[string]*Change),
	}
}

// SetWindow changes the debounce window for subsequent events.
func (b *Batcher) SetWindow(window time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = window
}

// Add records a change and restarts the window.
func (b *Batcher) Add(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	cur, ok := b.pending[c.Path]
	if !ok {
		cur = &Change{Path: c.Path}
		b.pending[c.Path] = cur
	}
	applyEvent(cur, c)

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.window, b.Flush)
}

// Pending reports how many paths are waiting, including ones that net out to
// nothing.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush emits the pending changes immediately. Nothing is emitted when every
// pending path coalesced away.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	changes := collect(b.pending)
	b.pending = make(map[string]*Change)
	stopped := b.stopped
	b.mu.Unlock()

	if len(changes) == 0 || stopped {
		return
	}

	b.callbackMu.Lock()
	defer b.callbackMu.Unlock()
	b.emit(Batch{ID: uuid.New().String(), Changes: changes, At: time.Now()})
}

// Stop discards pending changes and disables further emission.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[string]*Change)
}
