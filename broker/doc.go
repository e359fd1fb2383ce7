// Package broker is the control-plane transport of the fabric.
//
// # Overview
//
// All instances of one installation share a domain topic. Inside it a
// message travels either to the queue of one instance (Route.Instance) or to
// the broadcast channel. Which routes a message takes is derived from the
// slotInstanceIds header: "|a|b|" publishes once per id, "*" publishes once
// on broadcast.
//
// A message is a header Hash and a body Hash, framed as
//
//	uint32  header length (little-endian)
//	bytes   header Hash (binary codec)
//	bytes   body Hash (binary codec)
//
// # Drivers
//
// Back-ends implement Driver and Conn and register under a URL scheme:
//
//	reg := broker.NewRegistry()
//	_ = membroker.Register(reg)
//	s, err := broker.Connect(ctx, reg, broker.Config{
//	    URLs:  broker.ParseURLs(os.Getenv("KARABO_BROKER")),
//	    Topic: "xfel",
//	})
//
// The brokerregistry package registers every driver shipped with the
// module: nats and tcp (NATS), amqp, mqtt and mem (in-process).
//
// # Failover
//
// Connect tries the URLs in order. When an established connection is lost,
// the Session reconnects round-robin with exponential backoff capped at
// 10 s. Subscriptions are restored before the outbound buffer is replayed in
// FIFO order, and only then are new publishes admitted. The buffer holds at
// most MaxBufferedMessages payloads; beyond that a publish fails with
// transport-overrun, which is also reported through Config.OnError.
//
// Delivery is at-most-once. A Conn never retries a publish, and the Session
// never replays a payload that a driver accepted.
package broker
