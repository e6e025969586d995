package http

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !rl.Allow(ctx) {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow(ctx) {
		t.Fatalf("expected deny after capacity")
	}
	time.Sleep(250 * time.Millisecond)
	if !rl.Allow(ctx) {
		t.Fatalf("expected allow after refill")
	}
}

func TestBreakerAdaptive(t *testing.T) {
	cb := NewBreaker(2*time.Second, 4, 4, 0.5, 300*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	time.Sleep(400 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("breaker should be closed after successful probes")
	}
}
