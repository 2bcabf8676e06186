// Package clock abstracts time for the tick loop so tests can drive the
// scheduler deterministically. RealClock is the production source; MockClock
// only moves when advanced.
package clock

import (
	"sync"
	"time"
)

// Clock is the time surface the runtime depends on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers the time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
}

// RealClock implements Clock over the standard time package.
type RealClock struct{}

// NewRealClock creates the production clock.
func NewRealClock() *RealClock { return &RealClock{} }

func (c *RealClock) Now() time.Time                         { return time.Now() }
func (c *RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }

// MockClock is a manually advanced clock for tests. After channels fire
// when Advance or Set moves the current time past their deadline.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMockClock creates a mock clock frozen at start.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.waiters = append(c.waiters, waiter{deadline: c.current.Add(d), ch: ch})
	return ch
}

func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Advance moves time forward and fires every waiter whose deadline passed.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var keep, fire []waiter
	for _, w := range c.waiters {
		if w.deadline.After(now) {
			keep = append(keep, w)
		} else {
			fire = append(fire, w)
		}
	}
	c.waiters = keep
	c.mu.Unlock()

	for _, w := range fire {
		w.ch <- now
	}
}

// Set jumps to an absolute time, firing passed waiters when moving forward.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	if t.After(cur) {
		c.Advance(t.Sub(cur))
		return
	}
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Waiters reports how many After channels are pending. Tests use it to
// confirm a loop is parked on the clock before advancing.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
