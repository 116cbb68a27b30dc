package security

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_BasicEnforcement(t *testing.T) {
	limiter := NewRateLimiter(2.0, 2, 0) // 2 requests per second, burst of 2

	if !limiter.Allow("client1") {
		t.Error("first request should be allowed")
	}
	if !limiter.Allow("client1") {
		t.Error("second request should be allowed")
	}
	if limiter.Allow("client1") {
		t.Error("third request should be rate limited")
	}

	// Other clients have their own bucket
	if !limiter.Allow("client2") {
		t.Error("client2 should not be affected by client1")
	}
}

func TestRateLimiter_GlobalCeiling(t *testing.T) {
	// Each client could burst 5, but the global bucket only holds 5 in total.
	limiter := NewRateLimiter(100, 5, 1)

	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Allow("a") {
			allowed++
		}
		if limiter.Allow("b") {
			allowed++
		}
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	limiter := NewRateLimiter(1, 1, 0)
	limiter.Allow("client")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "client"); err == nil {
		t.Fatal("expected wait to fail before a token is available")
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	limiter := NewRateLimiter(1, 1, 0)
	limiter.Allow("a")
	limiter.Allow("b")

	if got := limiter.Clients(); got != 2 {
		t.Fatalf("Clients() = %d, want 2", got)
	}
	if removed := limiter.Prune(time.Hour); removed != 0 {
		t.Errorf("Prune(1h) removed %d, want 0", removed)
	}
	if removed := limiter.Prune(-time.Second); removed != 2 {
		t.Errorf("Prune(-1s) removed %d, want 2", removed)
	}
}

func TestActionRateLimiter(t *testing.T) {
	limiter := NewActionRateLimiter()

	if !limiter.Allow("SEND_EMAIL") {
		t.Error("actions without limits must be allowed")
	}

	limiter.SetLimit("SEND_EMAIL", 1, 1)
	if !limiter.Allow("SEND_EMAIL") {
		t.Error("first call should be allowed")
	}
	if limiter.Allow("SEND_EMAIL") {
		t.Error("second call should be limited")
	}
	if !limiter.Allow("OTHER") {
		t.Error("limits are per action")
	}
}
