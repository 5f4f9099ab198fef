package stats

// A metric fanned out to one metric per underlying factory.
type composite struct {
	counters  []CounterStat
	gauges    []GaugeStat
	summaries []SummaryStat
}

func (s composite) Inc() {
	for _, m := range s.counters {
		m.Inc()
	}
	for _, m := range s.gauges {
		m.Inc()
	}
}

func (s composite) Add(value float64) {
	for _, m := range s.counters {
		m.Add(value)
	}
	for _, m := range s.gauges {
		m.Add(value)
	}
}

func (s composite) Dec() {
	for _, m := range s.gauges {
		m.Dec()
	}
}

func (s composite) Sub(value float64) {
	for _, m := range s.gauges {
		m.Sub(value)
	}
}

func (s composite) Set(value float64) {
	for _, m := range s.gauges {
		m.Set(value)
	}
}

// Get reads the first gauge; the others are expected to agree.
func (s composite) Get() float64 {
	if len(s.gauges) > 0 {
		return s.gauges[0].Get()
	}
	return 0
}

func (s composite) Observe(value float64) {
	for _, m := range s.summaries {
		m.Observe(value)
	}
}

type compositeStatsFactory []StatsFactory

// NewCompositeFactory reports every metric to all of factories.
func NewCompositeFactory(factories ...StatsFactory) StatsFactory {
	return compositeStatsFactory(factories)
}

func (f compositeStatsFactory) NewCounter(
	metric string,
	tags map[string]string) CounterStat {

	s := composite{counters: make([]CounterStat, len(f))}
	for i, factory := range f {
		s.counters[i] = factory.NewCounter(metric, tags)
	}
	return s
}

func (f compositeStatsFactory) NewGauge(
	metric string,
	tags map[string]string) GaugeStat {

	s := composite{gauges: make([]GaugeStat, len(f))}
	for i, factory := range f {
		s.gauges[i] = factory.NewGauge(metric, tags)
	}
	return s
}

func (f compositeStatsFactory) NewSummary(
	metric string,
	tags map[string]string) SummaryStat {

	s := composite{summaries: make([]SummaryStat, len(f))}
	for i, factory := range f {
		s.summaries[i] = factory.NewSummary(metric, tags)
	}
	return s
}
