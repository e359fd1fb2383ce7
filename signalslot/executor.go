package signalslot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/karabo/pkg/buffer"
	"github.com/c360/karabo/pkg/worker"
)

// task is one inbound message bound for local slots.
type task struct {
	peer     string
	signal   string
	parallel bool
	run      func(ctx context.Context)
}

type holderKey struct{}

// holder marks a goroutine that owns the executor token. Wait hands the
// token back while it blocks so other slots of the same instance can run.
type holder struct {
	exec    *executor
	holding atomic.Bool
}

func holderFrom(ctx context.Context) *holder {
	h, _ := ctx.Value(holderKey{}).(*holder)
	return h
}

// yield releases the token if h holds it and returns a function that takes
// it back.
func (h *holder) yield() (resume func()) {
	if h == nil || !h.holding.CompareAndSwap(true, false) {
		return func() {}
	}
	<-h.exec.token
	return func() {
		h.exec.token <- struct{}{}
		h.holding.Store(true)
	}
}

// executor is the serial executor of one SignalSlotable. Every peer gets
// its own bounded FIFO queue; queues are served round robin so a flooding
// peer cannot starve the others. At most one serial task holds the token at
// a time. Parallel tasks bypass the token and run on a worker pool.
type executor struct {
	maxPerPeer int
	onDrop     func(dropped []task)

	mu      sync.Mutex
	queues  map[string]buffer.Buffer[task]
	order   []string
	next    int
	dropped []task // filled by buffer drop callbacks, guarded by mu
	closed  bool
	drops   atomic.Uint64

	wake  chan struct{}
	token chan struct{}
	pool  *worker.Pool[task]
	wg    sync.WaitGroup
}

func newExecutor(maxPerPeer, parallelWorkers int, onDrop func([]task)) *executor {
	e := &executor{
		maxPerPeer: maxPerPeer,
		onDrop:     onDrop,
		queues:     make(map[string]buffer.Buffer[task]),
		wake:       make(chan struct{}, 1),
		token:      make(chan struct{}, 1),
	}
	e.pool = worker.NewPool(parallelWorkers, parallelWorkers*4, func(ctx context.Context, t task) error {
		t.run(ctx)
		return nil
	})
	return e
}

func (e *executor) start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// push enqueues t behind earlier tasks of the same peer. When the peer's
// queue is full the oldest task is dropped and reported through onDrop.
func (e *executor) push(t task) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	q, ok := e.queues[t.peer]
	if !ok {
		var err error
		q, err = buffer.NewCircularBuffer(e.maxPerPeer,
			buffer.WithOverflowPolicy[task](buffer.DropOldest),
			buffer.WithDropCallback(func(old task) { e.dropped = append(e.dropped, old) }))
		if err != nil {
			e.mu.Unlock()
			return
		}
		e.queues[t.peer] = q
		e.order = append(e.order, t.peer)
	}
	_ = q.Write(t)
	dropped := e.dropped
	e.dropped = nil
	e.mu.Unlock()

	if len(dropped) > 0 {
		e.drops.Add(uint64(len(dropped)))
		if e.onDrop != nil {
			e.onDrop(dropped)
		}
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// pop returns the next task in round-robin order over peers.
func (e *executor) pop() (task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < len(e.order); i++ {
		idx := (e.next + i) % len(e.order)
		peer := e.order[idx]
		q := e.queues[peer]
		if t, ok := q.Read(); ok {
			e.next = idx + 1
			if q.IsEmpty() {
				e.forgetLocked(idx)
			}
			return t, true
		}
	}
	return task{}, false
}

// forgetLocked drops the empty queue at idx so idle peers cost nothing.
func (e *executor) forgetLocked(idx int) {
	peer := e.order[idx]
	_ = e.queues[peer].Close()
	delete(e.queues, peer)
	e.order = append(e.order[:idx], e.order[idx+1:]...)
	if e.next > idx {
		e.next--
	}
	if len(e.order) == 0 {
		e.next = 0
	}
}

func (e *executor) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		t, ok := e.pop()
		if !ok {
			select {
			case <-e.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if t.parallel {
			if err := e.pool.SubmitWait(ctx, t); err != nil {
				return
			}
			continue
		}
		select {
		case e.token <- struct{}{}:
		case <-ctx.Done():
			return
		}
		h := &holder{exec: e}
		h.holding.Store(true)
		go func() {
			defer func() {
				if h.holding.CompareAndSwap(true, false) {
					<-e.token
				}
			}()
			t.run(context.WithValue(ctx, holderKey{}, h))
		}()
	}
}

// stats snapshots queue depth, drops and the parallel pool.
func (e *executor) stats() DispatchStats {
	e.mu.Lock()
	st := DispatchStats{Peers: len(e.order)}
	for _, q := range e.queues {
		st.Queued += q.Size()
	}
	e.mu.Unlock()
	st.Dropped = e.drops.Load()
	st.Parallel = e.pool.Stats()
	return st
}

// stop discards queued tasks and waits for the dispatch loop to return.
// Slots already running finish on their own. ctx passed to start must
// already be cancelled.
func (e *executor) stop() {
	e.mu.Lock()
	e.closed = true
	for _, q := range e.queues {
		_ = q.Close()
	}
	e.queues = make(map[string]buffer.Buffer[task])
	e.order = nil
	e.mu.Unlock()
	e.wg.Wait()
	_ = e.pool.Stop(time.Second)
}
