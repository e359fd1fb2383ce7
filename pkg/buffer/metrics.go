package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/karabo/metric"
)

// bufferMetrics exports the counters of one buffer. A nil *bufferMetrics
// records nothing.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter
	size      prometheus.Gauge
	fill      prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "karabo", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "karabo", Subsystem: "buffer", Name: name, Help: help, ConstLabels: labels,
		})
	}
	m := &bufferMetrics{
		writes:    counter("writes_total", "Items written"),
		reads:     counter("reads_total", "Items read"),
		overflows: counter("overflows_total", "Writes that found the buffer full"),
		drops:     counter("drops_total", "Items discarded by the overflow policy"),
		size:      gauge("size", "Items currently queued"),
		fill:      gauge("fill_ratio", "Size divided by capacity"),
	}

	counters := map[string]prometheus.Counter{
		"buffer_writes": m.writes, "buffer_reads": m.reads,
		"buffer_overflows": m.overflows, "buffer_drops": m.drops,
	}
	for name, c := range counters {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_fill_ratio", m.fill); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.setSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	if m == nil {
		return
	}
	m.reads.Inc()
	m.setSize(size, capacity)
}

func (m *bufferMetrics) recordOverflow() {
	if m != nil {
		m.overflows.Inc()
	}
}

func (m *bufferMetrics) recordDrop() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *bufferMetrics) setSize(size, capacity int) {
	m.size.Set(float64(size))
	m.fill.Set(float64(size) / float64(capacity))
}
