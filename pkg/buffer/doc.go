// Package buffer implements a bounded circular queue whose behaviour when full
// is chosen per instance:
//
//   - DropOldest evicts the head so the newest data always wins
//   - DropNewest discards the incoming item
//   - Reject fails the write with ErrFull
//
// The broker session buffers outgoing messages in one with Reject, a
// SignalSlotable keeps one DropOldest queue per peer and a pipeline output
// keeps one per connected input, with the policy taken from onSlowness.
// Counters are always kept and read with Stats; Prometheus export is
// enabled with WithMetrics. Drops can be observed with WithDropCallback.
//
//	q, _ := buffer.NewCircularBuffer[frame](2,
//	    buffer.WithOverflowPolicy[frame](buffer.DropOldest),
//	    buffer.WithDropCallback(func(f frame) { dropped.Inc() }))
package buffer
