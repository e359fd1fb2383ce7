// Package metric owns the process-wide Prometheus registry.
//
// NewMetricsRegistry registers the fabric metrics (broker, signal/slot,
// pipeline, device server, topology) plus Go runtime and process collectors.
// Components add their own collectors with the Register* methods, keyed by
// "service.metric" so two components cannot claim the same name. All Record*
// helpers on *Metrics tolerate a nil receiver, so code paths built without a
// registry need no guards.
//
// Server exposes the registry at /metrics when the device server is started
// with KARABO_METRICS_PORT.
package metric
