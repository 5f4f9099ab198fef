package time2

import (
	"sync"
	"time"
)

type mockTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// A fake clock useful for testing timing.  Channels returned by After fire
// only when Advance or Set moves the clock past their deadline.
type MockClock struct {
	mu          sync.Mutex
	currentTime time.Time
	timers      []*mockTimer
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{currentTime: start}
}

// Set the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.currentTime = t
	c.fireLocked()
	c.mu.Unlock()
}

// Advances the mock clock by the specified duration.
func (c *MockClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.currentTime = c.currentTime.Add(delta)
	c.fireLocked()
	c.mu.Unlock()
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *MockClock) Until(t time.Time) time.Duration {
	return t.Sub(c.Now())
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &mockTimer{
		deadline: c.currentTime.Add(d),
		ch:       make(chan time.Time, 1),
	}
	c.timers = append(c.timers, timer)
	c.fireLocked()
	return timer.ch
}

// PendingTimers returns the number of After channels which have not fired.
func (c *MockClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *MockClock) fireLocked() {
	remaining := c.timers[:0]
	for _, timer := range c.timers {
		if !timer.deadline.After(c.currentTime) {
			timer.ch <- c.currentTime
			continue
		}
		remaining = append(remaining, timer)
	}
	c.timers = remaining
}
