// Package stats is the metrics sink interface used by the memcache client.
// Plug in an adapter for your metrics system, or use MemoryStatsFactory.
package stats

type CounterStat interface {
	Inc()
	Add(float64)
}

type GaugeStat interface {
	Set(float64)
	Get() float64

	Inc()
	Add(float64)

	Dec()
	Sub(float64)
}

type SummaryStat interface {
	Observe(float64)
}

// StatsFactory creates metrics.  Calls with the same metric name and tags
// may return distinct objects; implementations aggregate them.
type StatsFactory interface {
	NewCounter(
		metric string,
		tags map[string]string) CounterStat

	NewGauge(
		metric string,
		tags map[string]string) GaugeStat

	NewSummary(
		metric string,
		tags map[string]string) SummaryStat
}

// OrNoOp returns factory, or NoOpStatsFactory when factory is nil.
func OrNoOp(factory StatsFactory) StatsFactory {
	if factory == nil {
		return NoOpStatsFactory
	}
	return factory
}
