package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/rglonek/logger"
	"golang.org/x/sync/errgroup"
)

// heartbeater probes idle sessions with a version command.  A session
// failing more than maxFailures probes in a row is closed, which hands it to
// the reconnect path.
type heartbeater struct {
	sessions    func() []*tcpSession
	idleTimeout time.Duration
	timeout     time.Duration
	maxFailures int
	workers     int
	log         *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newHeartbeater(
	sessions func() []*tcpSession,
	config *Config,
	log *logger.Logger) *heartbeater {

	workers := config.MaxHeartbeatWorkers
	if workers < 1 {
		workers = 1
	}
	return &heartbeater{
		sessions:    sessions,
		idleTimeout: config.SessionIdleTimeout,
		timeout:     config.HeartbeatTimeout,
		maxFailures: config.MaxHeartbeatFailures,
		workers:     workers,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

func (h *heartbeater) start() {
	h.wg.Add(1)
	go h.run()
}

func (h *heartbeater) stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
}

func (h *heartbeater) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.idleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.check()
		}
	}
}

// check probes every session which has been idle for at least idleTimeout.
func (h *heartbeater) check() {
	var group errgroup.Group
	group.SetLimit(h.workers)

	now := time.Now()
	for _, s := range h.sessions() {
		if s.IsClosed() || now.Sub(s.lastActive()) < h.idleTimeout {
			continue
		}
		s := s
		group.Go(func() error {
			h.probe(s)
			return nil
		})
	}
	_ = group.Wait()
}

func (h *heartbeater) probe(s *tcpSession) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	_, err := roundTrip(ctx, s, newVersionCommand(), "heartbeat")
	if err == nil {
		s.heartbeatFails.Store(0)
		return
	}

	failures := int(s.heartbeatFails.Add(1))
	h.log.Debug("Heartbeat %d to %s failed: %v", failures, s, err)
	if failures > h.maxFailures {
		h.log.Warn(
			"Session %s failed %d heartbeats in a row, closing it",
			s,
			failures)
		s.closeWithError(err)
	}
}
