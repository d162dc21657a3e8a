package backoff

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, cfg *Config) *Controller {
	t.Helper()

	c, err := NewController(cfg)
	require.NoError(t, err)
	return c
}

func TestNewController(t *testing.T) {
	t.Run("applies defaults when not specified", func(t *testing.T) {
		c := newTestController(t, nil)
		assert.Equal(t, DefaultBase, c.Base())
		assert.Equal(t, DefaultCapFactor*DefaultBase, c.Cap())
	})

	t.Run("uses configured values", func(t *testing.T) {
		c := newTestController(t, &Config{
			Base: 100 * time.Millisecond,
			Cap:  2 * time.Second,
		})
		assert.Equal(t, 100*time.Millisecond, c.Base())
		assert.Equal(t, 2*time.Second, c.Cap())
	})

	t.Run("returns error for negative base", func(t *testing.T) {
		_, err := NewController(&Config{Base: -time.Second})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "base delay cannot be negative")
	})

	t.Run("returns error when base exceeds cap", func(t *testing.T) {
		_, err := NewController(&Config{Base: 2 * time.Second, Cap: time.Second})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "base delay cannot exceed cap")
	})
}

func TestDelayForAttemptMonotonicAndCapped(t *testing.T) {
	c := newTestController(t, &Config{Base: time.Second})

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		delay := c.delayForAttempt(attempt)
		assert.GreaterOrEqual(t, delay, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, c.Cap(), "attempt %d", attempt)
		prev = delay
	}

	// The cap is 16x the base unit, so attempt 4 onward is pinned there.
	assert.Equal(t, 16*time.Second, c.delayForAttempt(4))
	assert.Equal(t, 16*time.Second, c.delayForAttempt(10))
}

func TestWaitHonorsRetryAfter(t *testing.T) {
	c := newTestController(t, &Config{
		Base:       time.Millisecond,
		MinSpacing: time.Millisecond,
	})

	start := time.Now()
	waited, err := c.Wait(context.Background(), "getBalances:acct-1", 50*time.Millisecond)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, waited, 50*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitEnforcesMinSpacing(t *testing.T) {
	c := newTestController(t, &Config{
		Base:       time.Millisecond,
		MinSpacing: 40 * time.Millisecond,
	})

	// Two back-to-back reservations for the same key must be spaced at
	// least MinSpacing apart even when the computed delay is tiny.
	first := c.reserve("op:acct", 0)
	second := c.reserve("op:acct", 0)

	c.mu.Lock()
	st := c.entries["op:acct"]
	c.mu.Unlock()

	assert.Equal(t, 2, st.attempts)
	assert.GreaterOrEqual(t, first+second, 40*time.Millisecond)
}

func TestWaitContextCancellation(t *testing.T) {
	c := newTestController(t, &Config{Base: 10 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, "slow-key", 0)
	assert.ErrorIs(t, err, ErrContextCancelled)
}

func TestResetClearsState(t *testing.T) {
	c := newTestController(t, &Config{Base: time.Millisecond, MinSpacing: time.Millisecond})

	_, err := c.Wait(context.Background(), "key", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts("key"))

	c.Reset("key")
	assert.Equal(t, 0, c.Attempts("key"))
}

func TestQuietWindowSweep(t *testing.T) {
	c := newTestController(t, &Config{
		Base:        time.Millisecond,
		MinSpacing:  time.Millisecond,
		QuietWindow: time.Minute,
	})

	current := time.Now()
	c.now = func() time.Time { return current }

	c.reserve("stale-key", 0)
	assert.Equal(t, 1, c.Attempts("stale-key"))

	// Advance past the quiet window; the next reservation on any key
	// sweeps stale entries.
	current = current.Add(2 * time.Minute)
	c.reserve("other-key", 0)

	assert.Equal(t, 0, c.Attempts("stale-key"))
}

func TestConcurrentWaitsSameKey(t *testing.T) {
	c := newTestController(t, &Config{
		Base:       time.Millisecond,
		MinSpacing: time.Millisecond,
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Wait(context.Background(), "shared", 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, c.Attempts("shared"))
}

// Property: delays are monotonically non-decreasing in the attempt number
// and never exceed the cap, for any base.
func TestDelayMonotonicityProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("delay is monotone and capped", prop.ForAll(
		func(baseMs int, a, b int) bool {
			c, err := NewController(&Config{Base: time.Duration(baseMs) * time.Millisecond})
			if err != nil {
				return false
			}
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			return c.delayForAttempt(lo) <= c.delayForAttempt(hi) &&
				c.delayForAttempt(hi) <= c.Cap()
		},
		gen.IntRange(1, 1000),
		gen.IntRange(0, 30),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
