// Package ratelimit implements the four-dimension rate limiter described
// in spec.md §4.3: global, per-agent, per-action-type, and sensitive-target
// limits, each backed by a token bucket with its own fine-grained per-key
// lock so that one busy agent never stalls another's check. The algorithm
// is not selectable: Limiter uses token buckets for all four dimensions,
// and SlidingWindow is a separate primitive that Limiter does not use.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a classic leaky/token-bucket limiter: tokens refill at a
// constant rate up to a capacity, and each check consumes one token.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64 // tokens added per second
	capacity float64
	tokens   float64
	last     time.Time
}

// NewTokenBucket creates a bucket starting full, matching the original
// limiter's initial state (tokens = capacity).
func NewTokenBucket(ratePerSecond float64, capacity int) *TokenBucket {
	return &TokenBucket{
		rate:     ratePerSecond,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		last:     time.Now(),
	}
}

// Consume attempts to take n tokens (n defaults to 1 semantics via
// ConsumeOne). It returns whether the request is allowed and, if not, how
// long the caller would need to wait for enough tokens to refill.
func (b *TokenBucket) Consume(n float64) (allowed bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.tokens = minF(b.capacity, b.tokens+elapsed*b.rate)
	b.last = now

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}

	deficit := n - b.tokens
	waitSeconds := deficit / b.rate
	return false, time.Duration(waitSeconds * float64(time.Second))
}

// ConsumeOne is Consume(1), the common case.
func (b *TokenBucket) ConsumeOne() (bool, time.Duration) {
	return b.Consume(1)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
