package buffer

import (
	"sync"

	"github.com/c360/karabo/errors"
)

// circularBuffer is a ring of fixed capacity guarded by one mutex.
type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    Stats
	metrics  *bufferMetrics
	opts     *bufferOptions[T]
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}
	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}
	return &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		metrics:  metrics,
		opts:     opts,
	}, nil
}

// Write adds an item according to the overflow policy. The drop callback
// runs after the lock is released.
func (cb *circularBuffer[T]) Write(item T) error {
	dropped, hasDrop, err := cb.write(item)
	if hasDrop && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return err
}

func (cb *circularBuffer[T]) write(item T) (dropped T, hasDrop bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return dropped, false, errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		cb.stats.Overflows++
		cb.metrics.recordOverflow()
		switch cb.opts.overflowPolicy {
		case Reject:
			return dropped, false, ErrFull
		case DropNewest:
			cb.stats.Drops++
			cb.metrics.recordDrop()
			return item, true, nil
		default:
			dropped = cb.items[cb.tail]
			var zero T
			cb.items[cb.tail] = zero
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
			cb.stats.Drops++
			cb.metrics.recordDrop()
			hasDrop = true
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++
	cb.stats.Writes++
	if cb.size > cb.stats.HighWater {
		cb.stats.HighWater = cb.size
	}
	cb.metrics.recordWrite(cb.size, cb.capacity)
	return dropped, hasDrop, nil
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--
	cb.stats.Reads++
	cb.metrics.recordRead(cb.size, cb.capacity)
	return item, true
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.items[cb.tail], true
}

// Size returns the current number of items in the buffer.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

// Capacity is immutable.
func (cb *circularBuffer[T]) Capacity() int { return cb.capacity }

// IsFull returns true if the buffer is at maximum capacity.
func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == cb.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

func (cb *circularBuffer[T]) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stats
}

// Close rejects further writes. It is idempotent.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
