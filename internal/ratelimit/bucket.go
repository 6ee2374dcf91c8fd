// Package ratelimit implements process-local token bucket rate limiting:
// the bucket algorithm, a keyed registry with idle eviction, the rate
// specification grammar, and the per-request gate used by the HTTP server.
package ratelimit

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNegativeCapacity is returned when bucket capacity is not positive.
	ErrNegativeCapacity = errors.New("bucket capacity must be positive")

	// ErrNegativeRefillRate is returned when refill rate is not positive.
	ErrNegativeRefillRate = errors.New("refill rate must be positive")

	// ErrInvalidSpec is returned for malformed rate limit specifications.
	ErrInvalidSpec = errors.New("invalid rate limit spec")
)

// Result is the outcome of a consume or peek.
type Result struct {
	Allowed    bool
	// Remaining is the token count after the call (before it, for peeks).
	Remaining  float64
	// RetryAfter is how long until the request would be allowed. Zero when allowed.
	RetryAfter time.Duration
}

// Bucket is a token bucket with fractional tokens and lazy refill.
// A Bucket is not safe for concurrent use; Registry serializes access.
type Bucket struct {
	capacity   int
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// NewBucket returns a full bucket.
func NewBucket(capacity int, refillRate float64, now time.Time) (*Bucket, error) {
	if err := validate(capacity, refillRate); err != nil {
		return nil, err
	}
	return &Bucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: now,
	}, nil
}

func validate(capacity int, refillRate float64) error {
	if capacity <= 0 {
		return ErrNegativeCapacity
	}
	if refillRate <= 0 || math.IsNaN(refillRate) || math.IsInf(refillRate, 0) {
		return ErrNegativeRefillRate
	}
	return nil
}

func (b *Bucket) Capacity() int { return b.capacity }
func (b *Bucket) RefillRate() float64 { return b.refillRate }
func (b *Bucket) LastRefill() time.Time { return b.lastRefill }
func (b *Bucket) matches(l Limit) bool { return b.capacity == l.Capacity && b.refillRate == l.RefillRate }
func (b *Bucket) nearlyFull(t float64) bool { return t >= 0.9*float64(b.capacity) }

// available returns the token count at now without mutating b.
// A clock that moved backwards adds nothing.
func (b *Bucket) available(now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return b.tokens
	}
	return math.Min(float64(b.capacity), b.tokens+elapsed*b.refillRate)
}

// Consume refills, then takes n tokens if available.
func (b *Bucket) Consume(n int, now time.Time) Result {
	b.tokens = b.available(now)
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}
	res := b.decide(n, b.tokens)
	if res.Allowed {
		b.tokens = res.Remaining
	}
	return res
}

// Peek reports what Consume(n, now) would return without changing state.
func (b *Bucket) Peek(n int, now time.Time) Result {
	tokens := b.available(now)
	res := b.decide(n, tokens)
	res.Remaining = tokens
	return res
}

func (b *Bucket) decide(n int, tokens float64) Result {
	need := float64(n)
	if tokens >= need {
		return Result{Allowed: true, Remaining: tokens - need}
	}
	wait := (need - tokens) / b.refillRate
	return Result{Remaining: tokens, RetryAfter: time.Duration(wait * float64(time.Second))}
}

// rescaled returns a bucket configured for l whose fill level is
// proportional to b's. lastRefill carries over.
func (b *Bucket) rescaled(l Limit) *Bucket {
	tokens := float64(l.Capacity) * b.tokens / float64(b.capacity)
	return &Bucket{
		capacity:   l.Capacity,
		refillRate: l.RefillRate,
		tokens:     math.Min(float64(l.Capacity), tokens),
		lastRefill: b.lastRefill,
	}
}
