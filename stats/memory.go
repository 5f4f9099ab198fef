package stats

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// MetricKey renders metric plus its tags as "metric{k1=v1,k2=v2}", tags
// sorted by name.
func MetricKey(metric string, tags map[string]string) string {
	if len(tags) == 0 {
		return metric
	}
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(tags[name])
	}
	b.WriteByte('}')
	return b.String()
}

type memoryValue struct {
	bits atomic.Uint64
}

func (v *memoryValue) load() float64 {
	return math.Float64frombits(v.bits.Load())
}

func (v *memoryValue) Set(value float64) {
	v.bits.Store(math.Float64bits(value))
}

func (v *memoryValue) Get() float64 {
	return v.load()
}

func (v *memoryValue) Add(delta float64) {
	for {
		old := v.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if v.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (v *memoryValue) Inc()              { v.Add(1) }
func (v *memoryValue) Dec()              { v.Add(-1) }
func (v *memoryValue) Sub(delta float64) { v.Add(-delta) }

// SummarySnapshot aggregates the observations of one summary.
type SummarySnapshot struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

type memorySummary struct {
	mu sync.Mutex
	SummarySnapshot
}

func (s *memorySummary) Observe(value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Count == 0 || value < s.Min {
		s.Min = value
	}
	if s.Count == 0 || value > s.Max {
		s.Max = value
	}
	s.Count++
	s.Sum += value
}

// MemoryStatsFactory keeps every metric in process.  Metrics created with
// the same name and tags share state.
type MemoryStatsFactory struct {
	mu        sync.Mutex
	values    map[string]*memoryValue
	summaries map[string]*memorySummary
}

func NewMemoryStatsFactory() *MemoryStatsFactory {
	return &MemoryStatsFactory{
		values:    make(map[string]*memoryValue),
		summaries: make(map[string]*memorySummary),
	}
}

func (f *MemoryStatsFactory) value(key string) *memoryValue {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.values[key]
	if !ok {
		v = &memoryValue{}
		f.values[key] = v
	}
	return v
}

func (f *MemoryStatsFactory) NewCounter(
	metric string,
	tags map[string]string) CounterStat {

	return f.value(MetricKey(metric, tags))
}

func (f *MemoryStatsFactory) NewGauge(
	metric string,
	tags map[string]string) GaugeStat {

	return f.value(MetricKey(metric, tags))
}

func (f *MemoryStatsFactory) NewSummary(
	metric string,
	tags map[string]string) SummaryStat {

	key := MetricKey(metric, tags)

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.summaries[key]
	if !ok {
		s = &memorySummary{}
		f.summaries[key] = s
	}
	return s
}

// Value returns the current value of a counter or gauge, zero when it was
// never created.
func (f *MemoryStatsFactory) Value(key string) float64 {
	f.mu.Lock()
	v, ok := f.values[key]
	f.mu.Unlock()

	if !ok {
		return 0
	}
	return v.load()
}

// Summary returns a copy of a summary's aggregates.
func (f *MemoryStatsFactory) Summary(key string) SummarySnapshot {
	f.mu.Lock()
	s, ok := f.summaries[key]
	f.mu.Unlock()

	if !ok {
		return SummarySnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SummarySnapshot
}

// Keys lists every counter and gauge key, sorted.
func (f *MemoryStatsFactory) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.values))
	for key := range f.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
