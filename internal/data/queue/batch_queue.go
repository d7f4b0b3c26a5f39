package queue

import (
	"context"
	"io"
	"sync"
	"time"

	"devloop/internal/core/watcher"
)

// BatchQueue hands watcher batches to a single consumer. Batches that pile
// up while the consumer is busy are taken together and can be merged with
// Merge, so a slow build sees one net change set instead of a backlog.
type BatchQueue struct {
	ch     chan watcher.Batch
	mu     sync.RWMutex
	closed bool
}

func NewBatchQueue(capacity int) *BatchQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &BatchQueue{ch: make(chan watcher.Batch, capacity)}
}

// Enqueue blocks while the queue is full. Change batches are never dropped;
// a full queue pushes back on the watcher instead.
func (q *BatchQueue) Enqueue(ctx context.Context, b watcher.Batch) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return io.ErrClosedPipe
	}
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DequeueBatch waits up to wait for the first batch, then takes whatever else
// is already queued, up to maxItems. It returns io.EOF once the queue is
// closed and drained; the final items may accompany it.
func (q *BatchQueue) DequeueBatch(ctx context.Context, maxItems int, wait time.Duration) ([]watcher.Batch, error) {
	if maxItems <= 0 {
		maxItems = 1
	}
	batch := make([]watcher.Batch, 0, maxItems)

	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	select {
	case b, ok := <-q.ch:
		if !ok {
			return nil, io.EOF
		}
		batch = append(batch, b)
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		if wait <= 0 {
			return nil, nil
		}
		select {
		case b, ok := <-q.ch:
			if !ok {
				return nil, io.EOF
			}
			batch = append(batch, b)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		}
	}

	for len(batch) < maxItems {
		select {
		case b, ok := <-q.ch:
			if !ok {
				return batch, io.EOF
			}
			batch = append(batch, b)
		default:
			return batch, nil
		}
	}

	return batch, nil
}

// Close stops accepting batches and waits for blocked Enqueue calls to
// return. Queued batches can still be dequeued.
func (q *BatchQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.ch)
	return nil
}

func (q *BatchQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

// Merge folds consecutive batches into one, keeping the first batch's ID and
// the last one's timestamp. A path created in one batch and deleted in a
// later one disappears.
func Merge(batches []watcher.Batch) watcher.Batch {
	switch len(batches) {
	case 0:
		return watcher.Batch{}
	case 1:
		return batches[0]
	}
	var events []watcher.Change
	for _, b := range batches {
		events = append(events, b.Changes...)
	}
	return watcher.Batch{
		ID:      batches[0].ID,
		Changes: watcher.Coalesce(events),
		At:      batches[len(batches)-1].At,
	}
}
