// Package karabo is the communication fabric of the Karabo control system:
// devices exchange Hash messages over a message broker and stream bulk data
// point to point.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Device server (server, cmd/)      │  slotStartDevice, time ticks,
//	│   hosts devices by class id         │  plugin namespaces
//	└─────────────────────────────────────┘
//	           ↓ instantiates
//	┌─────────────────────────────────────┐
//	│   Devices (device, schema)          │  validated configuration,
//	│   state, properties, slots          │  state gated reconfigure
//	└─────────────────────────────────────┘
//	           ↓ built on
//	┌─────────────────────────────────────┐
//	│   SignalSlotable (signalslot)       │  signals, slots, requests,
//	│   topology (topology)               │  heartbeats, instance tracking
//	└─────────────────────────────────────┘
//	           ↓ speaks
//	┌─────────────────────────────────────┐
//	│   Broker session (broker)           │  failover, buffered replay
//	│   NATS, AMQP, MQTT, in-process      │  one topic per installation
//	└─────────────────────────────────────┘
//
// Bulk data bypasses the broker: output channels of the pipeline package
// serve TCP connections from input channels, with per-connection
// distribution and overflow policies.
//
// # Data Model
//
// Everything on the wire is a hash.Hash: an ordered tree of typed values
// with attributes per node. The codec package encodes hashes in the binary
// format used on the broker and in the XML format used for persisted
// configurations. A hash.Schema describes the parameters of a device class
// and validates configurations against access modes, bounds, options and
// allowed states.
//
// # Packages
//
//   - errors: error kinds shared with remote peers and error classes
//   - hash, schema, codec: data model, validation and wire formats
//   - broker and its drivers, brokerregistry: transport
//   - signalslot, topology: messaging between instances
//   - pipeline: point to point data channels
//   - device, server, devices/...: device runtime, device server, classes
//   - config, metric, pkg/...: environment, metrics, buffers, retry, workers
package karabo
