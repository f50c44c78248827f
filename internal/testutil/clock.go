package testutil

import (
	"sync"
	"time"
)

// Epoch is the first instant returned by a new DeterministicClock.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// DeterministicClock provides a thread-safe wall clock for tests that
// advances by a fixed step on every call.
//
// Unlike a real clock, two runs of the same test observe identical
// timestamps, which keeps golden snapshots and monotonicity assertions
// stable.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewDeterministicClock creates a clock starting at Epoch that advances one
// second per call.
//
// The first call to Now() returns Epoch.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{now: Epoch, step: time.Second}
}

// Now returns the current instant and advances the clock by one step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Freeze stops the clock from advancing, so every Now() returns the same
// instant. Used to exercise monotonic-timestamp handling.
func (c *DeterministicClock) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = 0
}

// Set moves the clock to t. Setting it backwards simulates wall-clock skew.
func (c *DeterministicClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset returns the clock to Epoch with a one-second step.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
	c.step = time.Second
}
