// Package time2 holds time helpers: an injectable Clock so that code driven by
// timers can be tested deterministically, and context aware sleeping.
package time2

import (
	"context"
	"time"
)

// These methods are all equivalent to those provided by the time package.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Until(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func NewRealClock() Clock {
	return &realClock{}
}

func (c *realClock) Now() time.Time {
	return time.Now()
}

func (c *realClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c *realClock) Until(t time.Time) time.Duration {
	return time.Until(t)
}

func (c *realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

var DefaultClock = NewRealClock()

// SleepOrExpire sleeps for d, returning early with ctx.Err() if the context
// is done first.  A context whose deadline falls before the end of the sleep
// fails immediately.
func SleepOrExpire(ctx context.Context, d time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return context.DeadlineExceeded
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
