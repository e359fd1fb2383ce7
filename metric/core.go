package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "karabo"

// Metrics contains the fabric-level metrics shared by every component
type Metrics struct {
	// Broker transport
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
	BrokerPublished  *prometheus.CounterVec
	BrokerReceived   *prometheus.CounterVec
	BrokerDropped    prometheus.Counter

	// Signal/slot layer
	RequestDuration *prometheus.HistogramVec
	RequestErrors   *prometheus.CounterVec
	SignalDrops     *prometheus.CounterVec
	SlotCalls       *prometheus.CounterVec

	// Pipeline
	PipelineFrames  *prometheus.CounterVec
	PipelineDropped *prometheus.CounterVec

	// Device server
	HostedDevices   *prometheus.GaugeVec
	Instantiations  *prometheus.CounterVec
	TopologyEntries *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all fabric metrics
func NewMetrics() *Metrics {
	return &Metrics{
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Broker session status (0=disconnected, 1=connected)",
		}),
		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total number of broker reconnections",
		}),
		BrokerPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "published_total",
			Help:      "Messages published to the broker",
		}, []string{"scheme"}),
		BrokerReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "received_total",
			Help:      "Messages received from the broker",
		}, []string{"scheme"}),
		BrokerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "buffer_dropped_total",
			Help:      "Outbound messages dropped while the broker was unreachable",
		}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "signalslot",
			Name:      "request_duration_seconds",
			Help:      "Time from request to resolved reply",
			Buckets:   prometheus.DefBuckets,
		}, []string{"instance", "outcome"}),
		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signalslot",
			Name:      "request_errors_total",
			Help:      "Requests resolved with an error, by kind",
		}, []string{"instance", "kind"}),
		SignalDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signalslot",
			Name:      "signal_drops_total",
			Help:      "Inbound messages dropped because a peer queue overflowed",
		}, []string{"instance"}),
		SlotCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signalslot",
			Name:      "slot_calls_total",
			Help:      "Slot invocations by outcome",
		}, []string{"instance", "status"}),

		PipelineFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frames_total",
			Help:      "Frames written by output channels",
		}, []string{"channel"}),
		PipelineDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by onSlowness policy",
		}, []string{"channel", "policy"}),

		HostedDevices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "hosted_devices",
			Help:      "Devices currently hosted by a device server",
		}, []string{"server"}),
		Instantiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "instantiations_total",
			Help:      "slotStartDevice outcomes",
		}, []string{"server", "outcome"}),
		TopologyEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "topology",
			Name:      "entries",
			Help:      "Known instances by type",
		}, []string{"instance", "type"}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.BrokerConnected, c.BrokerReconnects, c.BrokerPublished, c.BrokerReceived, c.BrokerDropped,
		c.RequestDuration, c.RequestErrors, c.SignalDrops, c.SlotCalls,
		c.PipelineFrames, c.PipelineDropped,
		c.HostedDevices, c.Instantiations, c.TopologyEntries,
	}
}

// RecordBrokerStatus updates the broker connection gauge
func (c *Metrics) RecordBrokerStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments the reconnection counter
func (c *Metrics) RecordBrokerReconnect() {
	if c == nil {
		return
	}
	c.BrokerReconnects.Inc()
}

// RecordPublished counts an outbound broker message
func (c *Metrics) RecordPublished(scheme string) {
	if c == nil {
		return
	}
	c.BrokerPublished.WithLabelValues(scheme).Inc()
}

// RecordReceived counts an inbound broker message
func (c *Metrics) RecordReceived(scheme string) {
	if c == nil {
		return
	}
	c.BrokerReceived.WithLabelValues(scheme).Inc()
}

// RecordBufferedDrop counts a message lost to the outbound buffer bound
func (c *Metrics) RecordBufferedDrop() {
	if c == nil {
		return
	}
	c.BrokerDropped.Inc()
}

// RecordRequest observes a resolved request
func (c *Metrics) RecordRequest(instance, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(instance, outcome).Observe(d.Seconds())
}

// RecordRequestError counts a failed request by error kind
func (c *Metrics) RecordRequestError(instance, kind string) {
	if c == nil {
		return
	}
	c.RequestErrors.WithLabelValues(instance, kind).Inc()
}

// RecordSignalDrop counts an inbound message lost to a peer queue bound
func (c *Metrics) RecordSignalDrop(instance string) {
	if c == nil {
		return
	}
	c.SignalDrops.WithLabelValues(instance).Inc()
}

// RecordSlotCall counts a slot invocation
func (c *Metrics) RecordSlotCall(instance, status string) {
	if c == nil {
		return
	}
	c.SlotCalls.WithLabelValues(instance, status).Inc()
}

// RecordFrame counts a frame handed to an output channel
func (c *Metrics) RecordFrame(channel string) {
	if c == nil {
		return
	}
	c.PipelineFrames.WithLabelValues(channel).Inc()
}

// RecordFrameDropped counts a frame discarded by policy
func (c *Metrics) RecordFrameDropped(channel, policy string) {
	if c == nil {
		return
	}
	c.PipelineDropped.WithLabelValues(channel, policy).Inc()
}

// RecordHostedDevices sets the number of devices a server hosts
func (c *Metrics) RecordHostedDevices(server string, n int) {
	if c == nil {
		return
	}
	c.HostedDevices.WithLabelValues(server).Set(float64(n))
}

// RecordInstantiation counts a slotStartDevice outcome
func (c *Metrics) RecordInstantiation(server, outcome string) {
	if c == nil {
		return
	}
	c.Instantiations.WithLabelValues(server, outcome).Inc()
}

// RecordTopology sets the number of known instances of a type
func (c *Metrics) RecordTopology(instance, kind string, n int) {
	if c == nil {
		return
	}
	c.TopologyEntries.WithLabelValues(instance, kind).Set(float64(n))
}
