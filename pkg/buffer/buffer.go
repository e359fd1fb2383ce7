package buffer

import (
	"errors"
)

// ErrFull is returned by Write under the Reject policy when the buffer is full.
var ErrFull = errors.New("buffer full")

// Buffer is a bounded FIFO queue of T. Implementations are safe for
// concurrent use.
type Buffer[T any] interface {
	// Write appends item. A full buffer applies the overflow policy.
	Write(item T) error

	// Read removes and returns the head. The boolean is false when empty.
	Read() (T, bool)

	// Peek returns the head without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Stats returns a snapshot of the counters.
	Stats() Stats

	// Close rejects further writes. Queued items stay readable.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Reject fails the write with ErrFull, leaving the buffer untouched.
	Reject
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Reject:
		return "Reject"
	default:
		return "Unknown"
	}
}

// DropCallback is called with every item an overflow policy discards.
type DropCallback[T any] func(item T)

// Stats is a snapshot of a buffer's counters.
type Stats struct {
	Writes    int64
	Reads     int64
	Overflows int64
	Drops     int64
	// HighWater is the largest size the buffer has reached.
	HighWater int
}

// NewCircularBuffer creates a circular buffer holding at most capacity
// items. It fails only when WithMetrics cannot register its collectors.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
