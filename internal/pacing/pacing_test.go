package pacing

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket_SpacesCalls(t *testing.T) {
	p := NewTokenBucket(600) // one call every 100ms
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// The first call uses the initial token; the next two wait ~100ms each.
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("3 calls took %v, want >= ~200ms", elapsed)
	}
}

func TestTokenBucket_Interval(t *testing.T) {
	if got := NewTokenBucket(12).Interval(); got != 5*time.Second {
		t.Errorf("Interval(12/min) = %v, want 5s", got)
	}
	if got := NewTokenBucket(0).Interval(); got != 0 {
		t.Errorf("Interval(0) = %v, want 0", got)
	}
}

func TestTokenBucket_Unpaced(t *testing.T) {
	p := NewTokenBucket(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("unpaced waits took %v", elapsed)
	}
}

func TestTokenBucket_ContextCanceled(t *testing.T) {
	p := NewTokenBucket(1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("Wait on canceled context should fail")
	}
}

func TestNone(t *testing.T) {
	if err := None.Wait(context.Background()); err != nil {
		t.Errorf("None.Wait: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := None.Wait(ctx); err == nil {
		t.Error("None.Wait should report a canceled context")
	}
}
