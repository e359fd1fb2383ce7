package pipeline

import (
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/pkg/buffer"
)

// Slowness is the onSlowness policy an input asks for. It decides what the
// output does with a frame for that input while the input is still busy.
type Slowness string

const (
	// Wait blocks the producer until the input has room.
	Wait Slowness = "wait"
	// Drop keeps the most recent frames, discarding older queued ones, so
	// the latest frame written always reaches the input once it catches up.
	// It behaves like QueueDrop; both evict the oldest queued frame.
	Drop Slowness = "drop"
	// Queue buffers up to maxQueueLength frames, then discards new ones.
	Queue Slowness = "queue"
	// QueueDrop buffers up to maxQueueLength frames, then discards the oldest.
	QueueDrop Slowness = "queueDrop"
	// Throw fails the write with backpressure.
	Throw Slowness = "throw"
)

// Valid reports whether s is one of the known policies.
func (s Slowness) Valid() bool {
	switch s {
	case Wait, Drop, Queue, QueueDrop, Throw:
		return true
	}
	return false
}

// overflow maps a policy onto the per-connection queue. Wait and Throw
// reject so the output can block or fail the producer itself.
func (s Slowness) overflow() buffer.OverflowPolicy {
	switch s {
	case Queue:
		return buffer.DropNewest
	case Drop, QueueDrop:
		return buffer.DropOldest
	default:
		return buffer.Reject
	}
}

// Distribution selects how an input shares frames with other inputs.
type Distribution string

const (
	// Copy inputs receive every frame.
	Copy Distribution = "copy"
	// Shared inputs receive frames round-robin among themselves.
	Shared Distribution = "shared"
)

// Memory locations an input may announce. Both are served over TCP.
const (
	MemoryRemote = "remote"
	MemoryLocal  = "local"
)

// Queue length bounds for inputs that do not specify one.
const (
	DefaultMaxQueueLength = 2
	MaxQueueLengthLimit   = 10
)

func clampQueueLength(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxQueueLength
	case n > MaxQueueLengthLimit:
		return MaxQueueLengthLimit
	}
	return n
}

func parseSlowness(v string, fallback Slowness) (Slowness, error) {
	if v == "" {
		return fallback, nil
	}
	s := Slowness(v)
	if !s.Valid() {
		return "", errors.Newf(errors.Format, "unknown onSlowness %q", v)
	}
	return s, nil
}

func parseDistribution(v string) (Distribution, error) {
	switch Distribution(v) {
	case "", Copy:
		return Copy, nil
	case Shared:
		return Shared, nil
	}
	return "", errors.Newf(errors.Format, "unknown dataDistribution %q", v)
}
