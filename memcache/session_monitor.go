package memcache

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rglonek/logger"

	"github.com/dropbox/gomc/time2"
)

// reconnectRequest is a pending dial for one session slot.
type reconnectRequest struct {
	address *ServerAddress
	remote  string
	standby bool

	// Attempts made so far, including the one this request is waiting for.
	tries int
	next  time.Time
	index int
}

type reconnectQueue []*reconnectRequest

func (q reconnectQueue) Len() int { return len(q) }

func (q reconnectQueue) Less(i, j int) bool {
	return q[i].next.Before(q[j].next)
}

func (q reconnectQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *reconnectQueue) Push(x interface{}) {
	req := x.(*reconnectRequest)
	req.index = len(*q)
	*q = append(*q, req)
}

func (q *reconnectQueue) Pop() interface{} {
	old := *q
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	req.index = -1
	*q = old[:n-1]
	return req
}

// sessionMonitor heals lost sessions.  Requests wait in a heap ordered by
// their next attempt; a failed attempt is retried after interval * tries.
type sessionMonitor struct {
	clock    time2.Clock
	interval time.Duration
	connect  func(ctx context.Context, req *reconnectRequest) error
	log      *logger.Logger

	mu      sync.Mutex
	queue   reconnectQueue
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wakeup chan struct{}
	wg     sync.WaitGroup
}

func newSessionMonitor(
	clock time2.Clock,
	interval time.Duration,
	connect func(ctx context.Context, req *reconnectRequest) error,
	log *logger.Logger) *sessionMonitor {

	ctx, cancel := context.WithCancel(context.Background())
	return &sessionMonitor{
		clock:    clock,
		interval: interval,
		connect:  connect,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		wakeup:   make(chan struct{}, 1),
	}
}

func (m *sessionMonitor) start() {
	m.wg.Add(1)
	go m.run()
}

// schedule queues req for an attempt at now + interval * req.tries.
func (m *sessionMonitor) schedule(req *reconnectRequest) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if req.tries < 1 {
		req.tries = 1
	}
	req.next = m.clock.Now().Add(m.interval * time.Duration(req.tries))
	heap.Push(&m.queue, req)
	m.mu.Unlock()

	m.wake()
}

// purge drops every request for the server with the given main address.
func (m *sessionMonitor) purge(address string) {
	m.mu.Lock()
	kept := m.queue[:0]
	for _, req := range m.queue {
		if req.address.Address != address {
			kept = append(kept, req)
		}
	}
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = nil
	}
	m.queue = kept
	for i, req := range m.queue {
		req.index = i
	}
	heap.Init(&m.queue)
	m.mu.Unlock()
}

func (m *sessionMonitor) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *sessionMonitor) wake() {
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// stop ends the monitor and waits for an in-flight attempt to finish.
func (m *sessionMonitor) stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.queue = nil
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *sessionMonitor) run() {
	defer m.wg.Done()

	for {
		due, wait := m.nextDue()
		if due != nil {
			m.attempt(due)
			continue
		}

		select {
		case <-m.ctx.Done():
			return
		case <-m.wakeup:
		case <-wait:
		}
	}
}

// nextDue pops the head request when it is due, otherwise returns a channel
// firing when it will be.  Both are nil for an empty queue.
func (m *sessionMonitor) nextDue() (*reconnectRequest, <-chan time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, nil
	}
	head := m.queue[0]
	if d := m.clock.Until(head.next); d > 0 {
		return nil, m.clock.After(d)
	}
	return heap.Pop(&m.queue).(*reconnectRequest), nil
}

func (m *sessionMonitor) attempt(req *reconnectRequest) {
	m.log.Warn("Trying to connect to %s for %d times", req.remote, req.tries)

	err := m.connect(m.ctx, req)
	if err == nil {
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	m.log.Warn("Reconnect to %s failed: %v", req.remote, err)
	req.tries++
	m.schedule(req)
}
