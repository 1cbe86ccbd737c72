package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock returns a controllable clock for deterministic window tests.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(window time.Duration, max, maxEntries int) (*Limiter, *fixedClock) {
	clock := &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Window: window, Max: max, MaxEntries: maxEntries, Now: clock.Now})
	return l, clock
}

func TestCheck_AllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 3, 100)

	for i := 1; i <= 3; i++ {
		res := l.Check("1.2.3.4")
		assert.True(t, res.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 3-i, res.Remaining)
		assert.Equal(t, 3, res.Limit)
	}

	// Boundary: count exactly max is allowed, max+1 is denied.
	res := l.Check("1.2.3.4")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheck_WindowResets(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 1, 100)

	require.True(t, l.Check("1.2.3.4").Allowed)
	require.False(t, l.Check("1.2.3.4").Allowed)

	clock.Advance(time.Minute + time.Second)

	res := l.Check("1.2.3.4")
	assert.True(t, res.Allowed, "counter should reset after the window closes")
	assert.Equal(t, 0, res.Remaining)
}

func TestCheck_DistinctKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1, 100)

	assert.True(t, l.Check("1.1.1.1").Allowed)
	assert.False(t, l.Check("1.1.1.1").Allowed)
	assert.True(t, l.Check("2.2.2.2").Allowed, "a saturated key must not affect others")
}

func TestCheck_ResetAtMatchesWindow(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 5, 100)

	start := clock.Now()
	res := l.Check("1.2.3.4")
	assert.Equal(t, start.Add(time.Minute), res.ResetAt)

	// Subsequent checks inside the window keep the same reset time.
	clock.Advance(10 * time.Second)
	res = l.Check("1.2.3.4")
	assert.Equal(t, start.Add(time.Minute), res.ResetAt)
}

func TestEviction_BatchByEarliestReset(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 10, 3)

	l.Check("a")
	clock.Advance(time.Second)
	l.Check("b")
	clock.Advance(time.Second)
	l.Check("c")
	clock.Advance(time.Second)

	require.Equal(t, 3, l.Len())

	// The 4th key overflows the cap; "a" has the earliest resetAt.
	l.Check("d")
	assert.Equal(t, 3, l.Len())

	// "a" was evicted: a fresh check starts a new window at full budget.
	res := l.Check("a")
	assert.Equal(t, 9, res.Remaining)
}

func TestSweep_RemovesExpired(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 10, 100)

	l.Check("a")
	l.Check("b")
	clock.Advance(30 * time.Second)
	l.Check("c") // fresh window, expires later

	clock.Advance(45 * time.Second) // a, b expired; c still live

	removed, err := l.Sweep(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, l.Len())
}

func TestCheck_ConcurrentDistinctKeys(t *testing.T) {
	l := New(Config{Window: time.Minute, Max: 5, MaxEntries: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.0.0.%d", n)
			for j := 0; j < 5; j++ {
				res := l.Check(addr)
				assert.True(t, res.Allowed)
			}
			assert.False(t, l.Check(addr).Allowed)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
}

func TestNew_Defaults(t *testing.T) {
	l := New(Config{})
	res := l.Check("x")
	assert.True(t, res.Allowed)
	assert.Equal(t, 100, res.Limit)
}
