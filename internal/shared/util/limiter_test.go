package util

import (
	"context"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// 10 tokens per second, burst of 2
	l := NewLimiter(10, 2)

	if !l.Allow(1) {
		t.Error("expected first token to be allowed")
	}
	if !l.Allow(1) {
		t.Error("expected second token to be allowed (burst)")
	}
	if l.Allow(1) {
		t.Error("expected third token to be rejected (burst exhausted)")
	}

	time.Sleep(150 * time.Millisecond)
	if !l.Allow(1) {
		t.Error("expected token to be refilled after wait")
	}
}

func TestEveryLimiter(t *testing.T) {
	l := NewEveryLimiter(time.Hour, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow(1) {
			t.Fatalf("expected relaunch %d to be allowed", i+1)
		}
	}
	if l.Allow(1) {
		t.Fatal("expected budget to be exhausted")
	}
	if l.Tokens() >= 1 {
		t.Fatalf("expected less than one token left, got %f", l.Tokens())
	}
}

func TestLimiterRegistry(t *testing.T) {
	reg := NewLimiterRegistry(100, 10, 100*time.Millisecond)
	defer reg.Close()

	l1 := reg.Get("1.1.1.1")
	l2 := reg.Get("2.2.2.2")

	if l1 == l2 {
		t.Error("expected different limiters for different clients")
	}
	if reg.Get("1.1.1.1") != l1 {
		t.Error("expected same limiter for same client")
	}

	time.Sleep(250 * time.Millisecond)
	if reg.Get("1.1.1.1") == l1 {
		t.Error("expected old limiter to be cleaned up and replaced")
	}
}

func TestLimiter_Wait(t *testing.T) {
	l := NewLimiter(100, 1)
	l.Allow(1) // consume burst

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := l.Wait(ctx, 1); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("Wait returned too early")
	}
}
