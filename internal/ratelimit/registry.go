package ratelimit

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultCleanupInterval is how often idle buckets are considered for eviction.
const DefaultCleanupInterval = 5 * time.Minute

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// WithCleanupInterval sets the eviction interval.
func WithCleanupInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cleanupInterval = d
		}
	}
}

// Registry owns every bucket of the process. A single mutex guards the map
// and the token counts of the buckets in it.
type Registry struct {
	mu              sync.Mutex
	buckets         map[string]*Bucket
	nowFn           func() time.Time
	cleanupInterval time.Duration
	lastSweep       time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		buckets:         make(map[string]*Bucket),
		nowFn:           time.Now,
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastSweep = r.nowFn()
	return r
}

// Take consumes n tokens from the bucket stored under key, creating it
// from limit when absent. A stored bucket configured differently from
// limit is replaced by one with the same proportional fill.
func (r *Registry) Take(key string, limit Limit, n int) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	r.maybeSweep(now)

	b, err := r.getOrCreate(key, limit, now)
	if err != nil {
		return Result{}, err
	}
	return b.Consume(n, now), nil
}

// Peek reports whether one token is available under key without
// consuming it. ok is false when no bucket exists.
func (r *Registry) Peek(key string) (res Result, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		return Result{}, false
	}
	return b.Peek(1, r.nowFn()), true
}

func (r *Registry) getOrCreate(key string, limit Limit, now time.Time) (*Bucket, error) {
	b, ok := r.buckets[key]
	if ok && b.matches(limit) {
		return b, nil
	}
	if ok {
		if err := validate(limit.Capacity, limit.RefillRate); err != nil {
			return nil, err
		}
		b = b.rescaled(limit)
	} else {
		var err error
		if b, err = NewBucket(limit.Capacity, limit.RefillRate, now); err != nil {
			return nil, err
		}
	}
	r.buckets[key] = b
	return b, nil
}

func (r *Registry) maybeSweep(now time.Time) {
	if now.Sub(r.lastSweep) < r.cleanupInterval {
		return
	}
	r.sweep(now)
}

// sweep evicts buckets that have not been touched for two intervals and
// are at least 90% full. Must be called with r.mu held.
func (r *Registry) sweep(now time.Time) int {
	r.lastSweep = now
	cutoff := now.Add(-2 * r.cleanupInterval)
	evicted := 0
	for key, b := range r.buckets {
		if b.lastRefill.Before(cutoff) && b.nearlyFull(b.available(now)) {
			delete(r.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Sweep runs eviction now and returns the number of buckets removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweep(r.nowFn())
}

// StartCleanup sweeps in the background every cleanup interval so an idle
// process still releases memory. The returned func stops the goroutine.
func (r *Registry) StartCleanup() (stop func()) {
	ticker := time.NewTicker(r.cleanupInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					log.WithFields(log.Fields{"evicted": n, "buckets": r.Len()}).Debug("rate limit buckets swept")
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// Len returns the number of live buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Reset drops every bucket.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = make(map[string]*Bucket)
	r.lastSweep = r.nowFn()
}
