package recordstore

import (
	"testing"
	"time"
)

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d: expected allow", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("expected deny past the limit")
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("expected first two events allowed")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("expected deny inside the window")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("expected allow after the window slides")
	}
}

func TestRateLimiter_DefaultsOnInvalidInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if !rl.Allow(time.Now()) {
		t.Fatalf("limiter with defaults must allow the first event")
	}
}
