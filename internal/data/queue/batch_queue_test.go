package queue

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"devloop/internal/core/watcher"
)

func batchOf(id string, changes ...watcher.Change) watcher.Batch {
	return watcher.Batch{ID: id, Changes: changes, At: time.Now()}
}

func TestBatchQueue_EnqueueDequeue(t *testing.T) {
	q := NewBatchQueue(2)
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	if err := q.Enqueue(ctx, batchOf("b1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, batchOf("b2")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	batch, err := q.DequeueBatch(ctx, 4, time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != "b1" || batch[1].ID != "b2" {
		t.Fatalf("unexpected order: %#v", batch)
	}

	batch, err = q.DequeueBatch(ctx, 1, time.Millisecond)
	if err != nil || len(batch) != 0 {
		t.Fatalf("expected empty timeout, got %d items, err %v", len(batch), err)
	}
}

func TestBatchQueue_FullQueueBlocksUntilCancelled(t *testing.T) {
	q := NewBatchQueue(1)
	t.Cleanup(func() { _ = q.Close() })

	if err := q.Enqueue(context.Background(), batchOf("b1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, batchOf("b2")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued batch, got %d", q.Len())
	}
}

func TestBatchQueue_CloseReturnsEOFWhenDrained(t *testing.T) {
	q := NewBatchQueue(1)
	if err := q.Enqueue(context.Background(), batchOf("b1")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := q.Enqueue(context.Background(), batchOf("b2")); err == nil {
		t.Fatal("expected enqueue after close to fail")
	}

	batch, err := q.DequeueBatch(context.Background(), 2, 0)
	if len(batch) != 1 {
		t.Fatalf("expected 1 item after close, got %d", len(batch))
	}
	if err != io.EOF {
		t.Fatalf("expected io.EOF with final drained batch, got %v", err)
	}

	batch, err = q.DequeueBatch(context.Background(), 1, 0)
	if err != io.EOF || len(batch) != 0 {
		t.Fatalf("expected io.EOF on empty closed queue, got %d items, %v", len(batch), err)
	}
}

func TestMerge(t *testing.T) {
	first := batchOf("b1",
		watcher.Change{Path: "/p/new.ts", Op: watcher.OpCreate},
		watcher.Change{Path: "/p/old.ts", Op: watcher.OpDelete},
	)
	second := batchOf("b2",
		watcher.Change{Path: "/p/new.ts", Op: watcher.OpDelete},
		watcher.Change{Path: "/p/old.ts", Op: watcher.OpCreate},
		watcher.Change{Path: "/p/main.ts", Op: watcher.OpModify},
	)

	merged := Merge([]watcher.Batch{first, second})
	if merged.ID != "b1" || !merged.At.Equal(second.At) {
		t.Fatalf("unexpected identity: %s %v", merged.ID, merged.At)
	}
	want := []watcher.Change{
		{Path: "/p/main.ts", Op: watcher.OpModify},
		{Path: "/p/old.ts", Op: watcher.OpModify},
	}
	if len(merged.Changes) != len(want) {
		t.Fatalf("expected %d changes, got %#v", len(want), merged.Changes)
	}
	for i := range want {
		if merged.Changes[i].Path != want[i].Path || merged.Changes[i].Op != want[i].Op {
			t.Fatalf("change %d = %+v, want %+v", i, merged.Changes[i], want[i])
		}
	}
}
