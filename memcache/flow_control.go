package memcache

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// flowControl bounds the noreply commands queued on one session.  Producers
// block while the bound is reached; permits come back once the command has
// been written, cancelled, or failed by a session close.
type flowControl struct {
	max     int64
	permits *semaphore.Weighted

	// Zero waits for as long as ctx allows.
	acquireTimeout time.Duration
}

func newFlowControl(max int, acquireTimeout time.Duration) *flowControl {
	if max <= 0 {
		max = 1
	}
	return &flowControl{
		max:            int64(max),
		permits:        semaphore.NewWeighted(int64(max)),
		acquireTimeout: acquireTimeout,
	}
}

// acquire takes a permit for cmd, which then releases it exactly once.
func (f *flowControl) acquire(ctx context.Context, cmd *Command) error {
	if f.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.acquireTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := f.permits.Acquire(ctx, 1); err != nil {
		return &TimeoutError{
			Op:      "noreply " + cmd.cmdType.String() + " queue slot",
			Key:     cmd.key,
			Timeout: time.Since(start),
		}
	}
	cmd.permit.Store(f)
	return nil
}

func (f *flowControl) release() {
	f.permits.Release(1)
}

// available returns the free permits.  Only meaningful in tests.
func (f *flowControl) available() int {
	n := 0
	for f.permits.TryAcquire(1) {
		n++
	}
	if n > 0 {
		f.permits.Release(int64(n))
	}
	return n
}
