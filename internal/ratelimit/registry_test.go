package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistryTakeCreatesBucket(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))

	res, err := r.Take("key:abc", Limit{Capacity: 3, RefillRate: 1}, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2.0, res.Remaining)
	assert.Equal(t, 1, r.Len())

	peek, ok := r.Peek("key:abc")
	require.True(t, ok)
	assert.Equal(t, 2.0, peek.Remaining)

	_, ok = r.Peek("key:missing")
	assert.False(t, ok)
}

func TestRegistryRejectsInvalidLimit(t *testing.T) {
	r := NewRegistry()
	_, err := r.Take("ip:1.2.3.4", Limit{Capacity: 0, RefillRate: 1}, 1)
	assert.ErrorIs(t, err, ErrNegativeCapacity)
	assert.Zero(t, r.Len())
}

func TestRegistryReconfigurePreservesProportionalFill(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))
	old := Limit{Capacity: 10, RefillRate: 1}

	for i := 0; i < 5; i++ {
		res, err := r.Take("key:k", old, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := r.Take("key:k", Limit{Capacity: 20, RefillRate: 2}, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9.0, res.Remaining, "half full at 20 is 10 tokens, minus the one taken")

	_, err = r.Take("key:k", Limit{Capacity: 20, RefillRate: 0}, 1)
	assert.ErrorIs(t, err, ErrNegativeRefillRate)
	peek, ok := r.Peek("key:k")
	require.True(t, ok)
	assert.Equal(t, 9.0, peek.Remaining, "failed reconfiguration keeps the old bucket")
}

func TestRegistryEvictsIdleFullBuckets(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithCleanupInterval(time.Minute))
	fast := Limit{Capacity: 10, RefillRate: 1}
	slow := Limit{Capacity: 10, RefillRate: 10.0 / 3600}

	_, err := r.Take("ip:idle", fast, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = r.Take("ip:drained", slow, 1)
		require.NoError(t, err)
	}

	clock.Advance(90 * time.Second)
	_, err = r.Take("ip:recent", fast, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len(), "nothing is older than two intervals yet")

	clock.Advance(90 * time.Second)
	_, err = r.Take("ip:trigger", fast, 1)
	require.NoError(t, err)

	_, idle := r.Peek("ip:idle")
	_, drained := r.Peek("ip:drained")
	_, recent := r.Peek("ip:recent")
	assert.False(t, idle, "old and refilled bucket is evicted")
	assert.True(t, drained, "old but depleted bucket is kept")
	assert.True(t, recent, "recently used bucket is kept")
}

func TestRegistrySweepRunsAtMostOncePerInterval(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithCleanupInterval(time.Minute))
	limit := Limit{Capacity: 1, RefillRate: 1}

	_, err := r.Take("ip:a", limit, 1)
	require.NoError(t, err)

	clock.Advance(100 * time.Second)
	_, err = r.Take("ip:b", limit, 1)
	require.NoError(t, err)

	// ip:a is eligible by now, but a sweep already ran within the interval.
	clock.Advance(30 * time.Second)
	_, err = r.Take("ip:c", limit, 1)
	require.NoError(t, err)
	_, ok := r.Peek("ip:a")
	assert.True(t, ok)

	clock.Advance(30 * time.Second)
	_, err = r.Take("ip:d", limit, 1)
	require.NoError(t, err)
	_, ok = r.Peek("ip:a")
	assert.False(t, ok)
	_, ok = r.Peek("ip:b")
	assert.True(t, ok)
}

func TestRegistryConcurrentTakeOnOneKey(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now))
	limit := Limit{Capacity: 50, RefillRate: 1}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Take("key:shared", limit, 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestRegistryStartCleanup(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(WithClock(clock.Now), WithCleanupInterval(10*time.Millisecond))
	_, err := r.Take("ip:a", Limit{Capacity: 5, RefillRate: 5}, 1)
	require.NoError(t, err)

	clock.Advance(time.Second)
	stop := r.StartCleanup()
	defer stop()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	_, err := r.Take("ip:a", Limit{Capacity: 5, RefillRate: 5}, 1)
	require.NoError(t, err)
	r.Reset()
	assert.Zero(t, r.Len())
}
