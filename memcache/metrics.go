package memcache

import (
	"sync"
	"time"

	"github.com/dropbox/gomc/stats"
)

const (
	resultOK      = "ok"
	resultMiss    = "miss"
	resultStatus  = "status"
	resultError   = "error"
	resultTimeout = "timeout"
)

type requestMetrics struct {
	requests stats.CounterStat
	latency  stats.SummaryStat
}

// clientMetrics reports per operation request counts and latencies (in
// milliseconds) plus the number of connected sessions.
type clientMetrics struct {
	factory stats.StatsFactory
	client  string

	mu       sync.Mutex
	requests map[string]*requestMetrics

	sessions      stats.GaugeStat
	disconnects   stats.CounterStat
	routingErrors stats.CounterStat
}

func newClientMetrics(factory stats.StatsFactory, client string) *clientMetrics {
	factory = stats.OrNoOp(factory)
	tags := map[string]string{"client": client}
	return &clientMetrics{
		factory:       factory,
		client:        client,
		requests:      make(map[string]*requestMetrics),
		sessions:      factory.NewGauge("memcache.sessions", tags),
		disconnects:   factory.NewCounter("memcache.disconnects", tags),
		routingErrors: factory.NewCounter("memcache.routing_errors", tags),
	}
}

func (m *clientMetrics) forRequest(op string, result string) *requestMetrics {
	key := op + "/" + result

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[key]
	if !ok {
		tags := map[string]string{"client": m.client, "op": op, "result": result}
		r = &requestMetrics{
			requests: m.factory.NewCounter("memcache.requests", tags),
			latency:  m.factory.NewSummary("memcache.latency_ms", tags),
		}
		m.requests[key] = r
	}
	return r
}

func responseResult(resp *genericResponse, err error) string {
	switch {
	case err != nil:
		if _, ok := err.(*TimeoutError); ok {
			return resultTimeout
		}
		return resultError
	case resp.err != nil:
		return resultError
	case resp.status == StatusNoError:
		return resultOK
	case resp.status == StatusKeyNotFound:
		return resultMiss
	default:
		return resultStatus
	}
}

func (m *clientMetrics) observe(
	cmdType CommandType,
	resp *genericResponse,
	err error,
	elapsed time.Duration) {

	r := m.forRequest(cmdType.String(), responseResult(resp, err))
	r.requests.Inc()
	r.latency.Observe(float64(elapsed) / float64(time.Millisecond))
}

func (m *clientMetrics) sendFailed(cmdType CommandType) {
	m.routingErrors.Inc()
	m.forRequest(cmdType.String(), resultError).requests.Inc()
}

// See StateListener.
func (m *clientMetrics) OnConnected(address string) {
	m.sessions.Inc()
}

// See StateListener.
func (m *clientMetrics) OnDisconnected(address string) {
	m.sessions.Dec()
	m.disconnects.Inc()
}
