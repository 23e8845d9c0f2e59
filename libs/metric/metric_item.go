package metric

import (
	"sort"

	jsoniter "github.com/json-iterator/go"
	metrics "github.com/rcrowley/go-metrics"
)

// MetricItem is the unit registered in a MetricSet. Each component owns one
// and renders it on demand.
type MetricItem interface {
	JSONString() string
}

// CounterItem is a MetricItem backed by a go-metrics registry of counters
// and gauges. Names are created on first use.
type CounterItem struct {
	registry metrics.Registry
}

func NewCounterItem() *CounterItem {
	return &CounterItem{registry: metrics.NewRegistry()}
}

func (ci *CounterItem) Counter(name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(name, ci.registry)
}

func (ci *CounterItem) Gauge(name string) metrics.Gauge {
	return metrics.GetOrRegisterGauge(name, ci.registry)
}

func (ci *CounterItem) Inc(name string) {
	ci.Counter(name).Inc(1)
}

func (ci *CounterItem) Count(name string) int64 {
	return ci.Counter(name).Count()
}

func (ci *CounterItem) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	ci.registry.Each(func(name string, m interface{}) {
		switch v := m.(type) {
		case metrics.Counter:
			out[name] = v.Count()
		case metrics.Gauge:
			out[name] = v.Value()
		}
	})
	return out
}

func (ci *CounterItem) Names() []string {
	snap := ci.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (ci *CounterItem) JSONString() string {
	s, _ := jsoniter.MarshalToString(ci.Snapshot())
	return s
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}
