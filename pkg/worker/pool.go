package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Errors returned by Pool.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrNilProcessor       = errors.New("processor function cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)

// Defaults applied by NewPool.
const (
	DefaultWorkers   = 10
	DefaultQueueSize = 1000
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Pool runs processor on a fixed number of goroutines fed from a bounded
// queue.
type Pool[T any] struct {
	workers   int
	processor func(context.Context, T) error
	work      chan T

	lifecycleMu sync.Mutex
	// sendMu is held shared by SubmitWait and exclusively by Stop, so the
	// queue is never closed under a sender.
	sendMu sync.RWMutex
	state  atomic.Int32
	wg     sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	busy      atomic.Int32
}

// Stats is a snapshot of a pool.
type Stats struct {
	Workers    int
	QueueDepth int
	Busy       int
	Submitted  int64
	Processed  int64
	Failed     int64
}

// NewPool creates a pool. Non-positive sizes take the defaults; a nil
// processor panics with ErrNilProcessor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}
	return &Pool[T]{
		workers:   workers,
		processor: processor,
		work:      make(chan T, queueSize),
	}
}

// Start launches the workers. They exit when ctx ends or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.state.Load() != stateIdle {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.state.Store(stateRunning)
	return nil
}

// SubmitWait queues work, waiting for space until ctx ends.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	switch p.state.Load() {
	case stateIdle:
		return ErrPoolNotStarted
	case stateStopped:
		return ErrPoolStopped
	}
	select {
	case p.work <- work:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue and waits up to timeout for queued and running
// work to finish. It is idempotent.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.state.Load() != stateRunning {
		return nil
	}
	p.sendMu.Lock()
	p.state.Store(stateStopped)
	close(p.work)
	p.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: len(p.work),
		Busy:       int(p.busy.Load()),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.work:
			if !ok {
				return
			}
			p.busy.Add(1)
			err := p.processor(ctx, work)
			p.busy.Add(-1)
			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
		}
	}
}
