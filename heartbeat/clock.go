package heartbeat

import (
	"sync"
	"time"
)

// SimulatedClock is a test clock whose sleeps complete instantly.
// Every After call advances the clock by the requested duration, so a loop
// driven by it runs through simulated time as fast as it can.
type SimulatedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewSimulatedClock returns a clock starting at start.
func NewSimulatedClock(start time.Time) *SimulatedClock {
	return &SimulatedClock{now: start}
}

// Now returns the simulated time.
func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and returns a channel that is already ready.
func (c *SimulatedClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without sleeping.
func (c *SimulatedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Since returns the simulated time elapsed since t.
func (c *SimulatedClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
