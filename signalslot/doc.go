// Package signalslot implements the Karabo signal/slot protocol on top of a
// broker session.
//
// # Overview
//
// A SignalSlotable is the broker identity of one device, server or client.
// It exposes named slots that peers can call, emits signals to every slot
// connected to them, and issues requests whose replies are correlated by a
// fresh id in the replyTo header:
//
//	s := signalslot.New(session, signalslot.Config{InstanceID: "motor1"})
//	s.RegisterSlot("move", move, signalslot.WithArity(1))
//	s.RegisterSignal("signalMoved")
//	if err := s.Start(ctx); err != nil {
//		return err
//	}
//	args, err := s.Request(ctx, "camera1", "slotGetConfiguration").Wait(ctx)
//
// # Dispatch
//
// Messages are decoded on the transport goroutine. Replies complete their
// request right there; everything else goes to a serial executor with one
// bounded FIFO queue per sending peer. Slots run one at a time, except
// those registered with Parallel, which run on a worker pool. A slot that
// blocks in Reply.Wait hands the executor to the next slot until the reply
// arrives, so a slot may call slots of its own instance.
//
// When a peer outruns its queue (MaxQueuedPerPeer) the oldest messages are
// dropped, logged, counted and announced with signalSignalDrop.
//
// # Topology
//
// Every instance announces itself with slotInstanceNew, sends slotHeartbeat
// periodically and says goodbye with slotInstanceGone. The topology cache
// follows these broadcasts; peers silent for twice their interval plus the
// jitter are expired, which fails pending requests to them with
// target-gone. Connections to a signal survive the emitter going away and
// are re-announced when it reappears. Messages emitted in between are not
// replayed.
package signalslot
