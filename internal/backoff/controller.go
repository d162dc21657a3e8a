// Package backoff provides per-key retry pacing for provider operations.
// Retry state is shared across concurrent aggregation calls: attempts for
// the same logical operation key are serialized and spaced out, while
// different keys proceed independently.
package backoff

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Default controller configuration values.
const (
	DefaultBase        = 1 * time.Second
	DefaultCapFactor   = 16 // cap = CapFactor * Base
	DefaultMinSpacing  = 1 * time.Second
	DefaultQuietWindow = 5 * time.Minute
)

// ErrContextCancelled is returned when the context is cancelled while
// waiting for a retry slot.
var ErrContextCancelled = errors.New("context cancelled while waiting for retry slot")

// Config holds controller configuration.
type Config struct {
	// Base is the first-retry delay and the unit the cap is derived from.
	// Default: 1s.
	Base time.Duration

	// Cap is the maximum computed delay. Default: 16 * Base.
	Cap time.Duration

	// MinSpacing is the minimum gap between two attempts for the same key,
	// regardless of the computed delay. Default: Base.
	MinSpacing time.Duration

	// QuietWindow is how long a key's state survives without activity
	// before it is dropped. Default: 5m.
	QuietWindow time.Duration
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Base < 0 {
		return errors.New("base delay cannot be negative")
	}
	if c.Cap < 0 {
		return errors.New("cap cannot be negative")
	}
	if c.Cap > 0 && c.Base > 0 && c.Base > c.Cap {
		return errors.New("base delay cannot exceed cap")
	}
	if c.MinSpacing < 0 {
		return errors.New("minimum spacing cannot be negative")
	}
	if c.QuietWindow < 0 {
		return errors.New("quiet window cannot be negative")
	}
	return nil
}

// retryState tracks backoff progress for one operation key.
// Created on first failure for the key, dropped after the quiet window.
type retryState struct {
	attempts      int
	lastAttemptAt time.Time
}

// Controller computes and enforces retry waits per operation key.
// Safe for concurrent use; one instance is constructed per process and
// injected into the orchestrator.
type Controller struct {
	mu      sync.Mutex
	entries map[string]*retryState

	base        time.Duration
	cap         time.Duration
	minSpacing  time.Duration
	quietWindow time.Duration

	rng *rand.Rand
	now func() time.Time
}

// NewController creates a controller with the given configuration.
// Returns an error if the configuration is invalid.
func NewController(cfg *Config) (*Controller, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := cfg.Base
	if base == 0 {
		base = DefaultBase
	}
	capDelay := cfg.Cap
	if capDelay == 0 {
		capDelay = DefaultCapFactor * base
	}
	minSpacing := cfg.MinSpacing
	if minSpacing == 0 {
		minSpacing = base
	}
	quietWindow := cfg.QuietWindow
	if quietWindow == 0 {
		quietWindow = DefaultQuietWindow
	}

	return &Controller{
		entries:     make(map[string]*retryState),
		base:        base,
		cap:         capDelay,
		minSpacing:  minSpacing,
		quietWindow: quietWindow,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 - jitter, not crypto
		now:         time.Now,
	}, nil
}

// Wait records a retry attempt for key and blocks until that attempt may
// proceed. When the provider supplied an explicit retry-after it is used
// verbatim; otherwise the wait is min(base * 2^attempt, cap) plus bounded
// jitter. The wait never drops below the minimum spacing since the key's
// previous attempt. Returns the duration actually waited.
func (c *Controller) Wait(ctx context.Context, key string, retryAfter time.Duration) (time.Duration, error) {
	wait := c.reserve(key, retryAfter)
	if wait <= 0 {
		return 0, nil
	}

	select {
	case <-time.After(wait):
		return wait, nil
	case <-ctx.Done():
		return 0, ErrContextCancelled
	}
}

// reserve computes the wait for the next attempt on key and advances the
// key's state as if the attempt proceeds after that wait.
func (c *Controller) reserve(key string, retryAfter time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	st, ok := c.entries[key]
	if !ok {
		st = &retryState{}
		c.entries[key] = st
	}

	var delay time.Duration
	if retryAfter > 0 {
		delay = retryAfter
	} else {
		delay = c.delayForAttempt(st.attempts)
		delay += c.jitterLocked()
	}

	// Enforce minimum spacing since the last attempt for this key. A
	// caller arriving early sleeps out the remainder.
	if !st.lastAttemptAt.IsZero() {
		earliest := st.lastAttemptAt.Add(c.minSpacing)
		if proposed := now.Add(delay); proposed.Before(earliest) {
			delay = earliest.Sub(now)
		}
	}

	st.attempts++
	st.lastAttemptAt = now.Add(delay)
	return delay
}

// delayForAttempt computes the raw exponential delay for the Nth retry
// (zero-based), capped so it never exceeds the configured cap. Jitter is
// added separately.
func (c *Controller) delayForAttempt(attempt int) time.Duration {
	delay := c.base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.cap {
			return c.cap
		}
	}
	if delay > c.cap {
		delay = c.cap
	}
	return delay
}

// jitterLocked returns a bounded random jitter (up to half the base unit).
// Must be called with the lock held.
func (c *Controller) jitterLocked() time.Duration {
	maxJitter := c.base / 2
	if maxJitter <= 0 {
		return 0
	}
	return time.Duration(c.rng.Int63n(int64(maxJitter)))
}

// Reset clears retry state for a key after a success, so the key does not
// carry stale backoff history into its next failure.
func (c *Controller) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Attempts returns the recorded attempt count for a key. Zero for keys
// with no state. Useful for monitoring and tests.
func (c *Controller) Attempts(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.entries[key]; ok {
		return st.attempts
	}
	return 0
}

// sweepLocked drops keys that have seen no activity for the quiet window.
// Must be called with the lock held.
func (c *Controller) sweepLocked(now time.Time) {
	for key, st := range c.entries {
		if !st.lastAttemptAt.IsZero() && now.Sub(st.lastAttemptAt) > c.quietWindow {
			delete(c.entries, key)
		}
	}
}

// StartJanitor runs a background sweep loop so idle keys are dropped even
// when the controller sees no traffic. Returns when ctx is done.
func (c *Controller) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(c.quietWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.sweepLocked(c.now())
			c.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Base returns the configured base delay.
func (c *Controller) Base() time.Duration {
	return c.base
}

// Cap returns the configured maximum delay.
func (c *Controller) Cap() time.Duration {
	return c.cap
}
