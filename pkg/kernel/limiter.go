package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubmissionPolicy bounds how fast one actor may push actions through
// the kernel.
type SubmissionPolicy struct {
	PerMinute int
	Burst     int
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether actorID may consume cost submissions under
	// the policy.
	Allow(ctx context.Context, actorID string, policy SubmissionPolicy, cost int) (bool, error)
}

// tokenBucket is a thread-safe token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	clock      func() time.Time
}

func newTokenBucket(ratePerSec float64, capacity int, clock func() time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: clock(),
		clock:      clock,
	}
}

func (tb *tokenBucket) allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.clock()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// InMemoryLimiterStore serves single-instance deployments and tests.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	clock   func() time.Time
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		buckets: make(map[string]*tokenBucket),
		clock:   time.Now,
	}
}

// WithClock overrides the refill clock for testing.
func (s *InMemoryLimiterStore) WithClock(clock func() time.Time) *InMemoryLimiterStore {
	s.clock = clock
	return s
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy SubmissionPolicy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, exists := s.buckets[actorID]
	if !exists {
		rate := float64(policy.PerMinute) / 60.0
		if rate <= 0 {
			rate = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		tb = newTokenBucket(rate, burst, s.clock)
		s.buckets[actorID] = tb
	}

	return tb.allow(cost), nil
}

// checkBackpressure gates one submission. A nil store means no limiter
// was configured and submissions pass unthrottled; a store error fails
// closed.
func checkBackpressure(ctx context.Context, store LimiterStore, actorID string, policy SubmissionPolicy) error {
	if store == nil {
		return nil
	}

	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("backpressure check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("backpressure: submission rate exceeded for %s", actorID)
	}
	return nil
}
