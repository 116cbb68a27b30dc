// Package security provides request throttling for the HTTP API and for
// capability actions.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client with an optional global ceiling.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.Mutex

	// Configuration
	requestsPerSecond float64
	burst             int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client rate limiter. globalPerSecond <= 0
// disables the global ceiling.
func NewRateLimiter(requestsPerSecond float64, burst int, globalPerSecond float64) *RateLimiter {
	rl := &RateLimiter{
		clientLimiters:    make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
	}
	if globalPerSecond > 0 {
		globalBurst := int(globalPerSecond)
		if globalBurst < burst {
			globalBurst = burst
		}
		rl.globalLimiter = rate.NewLimiter(rate.Limit(globalPerSecond), globalBurst)
	}
	return rl
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if rl.globalLimiter != nil && !rl.globalLimiter.Allow() {
		return false
	}
	return rl.getClientLimiter(clientID).Allow()
}

// Wait blocks until a request can be made
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if rl.globalLimiter != nil {
		if err := rl.globalLimiter.Wait(ctx); err != nil {
			return fmt.Errorf("global rate limit: %w", err)
		}
	}
	if err := rl.getClientLimiter(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	return nil
}

// Prune drops limiters for clients idle longer than maxIdle and returns how many were removed.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, cl := range rl.clientLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clientLimiters)
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, exists := rl.clientLimiters[clientID]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clientLimiters[clientID] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// ActionRateLimiter provides per-action rate limiting
type ActionRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewActionRateLimiter creates an action rate limiter with no limits set.
func NewActionRateLimiter() *ActionRateLimiter {
	return &ActionRateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetLimit configures the rate limit for one action.
func (arl *ActionRateLimiter) SetLimit(action string, requestsPerSecond float64, burst int) {
	arl.mu.Lock()
	defer arl.mu.Unlock()
	arl.limiters[action] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Allow checks if an action execution should be allowed.
// Actions without a configured limit are always allowed.
func (arl *ActionRateLimiter) Allow(action string) bool {
	arl.mu.RLock()
	limiter, exists := arl.limiters[action]
	arl.mu.RUnlock()

	if !exists {
		return true
	}
	return limiter.Allow()
}
