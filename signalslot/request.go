package signalslot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// Reply is the pending result of a Request.
type Reply struct {
	s      *SignalSlotable
	id     string
	target string
	slot   string
	issued time.Time

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
	args  Args
	err   error
}

func (r *Reply) resolve(args Args, err error) bool {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return false
	default:
	}
	r.args, r.err = args, err
	if r.timer != nil {
		r.timer.Stop()
	}
	close(r.done)
	r.mu.Unlock()

	r.s.forgetRequest(r.id)
	outcome := "ok"
	if err != nil {
		outcome = string(errors.KindOf(err))
		r.s.metrics.RecordRequestError(r.s.id, outcome)
	}
	r.s.metrics.RecordRequest(r.s.id, outcome, time.Since(r.issued))
	return true
}

// WithTimeout replaces the default timeout. The deadline counts from when
// the request was issued; an already elapsed deadline resolves the reply
// with timeout immediately.
func (r *Reply) WithTimeout(d time.Duration) *Reply {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return r
	default:
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	remaining := time.Until(r.issued.Add(d))
	r.timer = time.AfterFunc(max(remaining, 0), r.expire)
	r.mu.Unlock()
	return r
}

func (r *Reply) expire() {
	r.resolve(nil, errors.Newf(errors.Timeout, "%s.%s did not reply within %s", r.target, r.slot, time.Since(r.issued).Round(time.Millisecond)))
}

// Done is closed once the reply is resolved.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Cancel resolves the reply with cancelled. A response arriving later is
// dropped.
func (r *Reply) Cancel() {
	r.resolve(nil, errors.New(errors.Cancelled, "request cancelled"))
}

// Wait blocks until the reply resolves or ctx is done. Called from inside
// a slot it hands the executor to other slots while blocked. When ctx ends
// first the request is cancelled.
func (r *Reply) Wait(ctx context.Context) (Args, error) {
	resume := holderFrom(ctx).yield()
	defer resume()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.resolve(nil, errors.WithKind(errors.Cancelled, ctx.Err(), "wait abandoned"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.args, r.err
}

// Request invokes slot on target and returns the pending reply. The
// default timeout applies unless changed with WithTimeout.
func (s *SignalSlotable) Request(ctx context.Context, target, slot string, args ...any) *Reply {
	r := &Reply{
		s:      s,
		id:     uuid.NewString(),
		target: target,
		slot:   slot,
		issued: time.Now(),
		done:   make(chan struct{}),
	}
	s.pendingMu.Lock()
	s.pending[r.id] = r
	s.pendingMu.Unlock()
	r.WithTimeout(s.cfg.RequestTimeout)

	m, err := s.message(target, slot, args)
	if err != nil {
		r.resolve(nil, err)
		return r
	}
	m.Header.Put(broker.HeaderReplyTo, r.id)
	if err := s.session.Publish(ctx, m); err != nil {
		r.resolve(nil, err)
	}
	return r
}

// Call invokes slot on target without waiting for a reply. target may be
// "*" to address every instance.
func (s *SignalSlotable) Call(ctx context.Context, target, slot string, args ...any) error {
	m, err := s.message(target, slot, args)
	if err != nil {
		return err
	}
	return s.session.Publish(ctx, m)
}

func (s *SignalSlotable) message(target, slot string, args []any) (*broker.Message, error) {
	body, err := bodyOf(args)
	if err != nil {
		return nil, err
	}
	ids := broker.Everyone
	if target != broker.Everyone {
		ids = broker.JoinIDs(target)
	}
	fns := formatSlotFunctions([]string{target}, map[string][]string{target: {slot}})
	return &broker.Message{Header: s.header("__call__", ids, fns), Body: body}, nil
}

func (s *SignalSlotable) forgetRequest(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// resolveReply runs on the transport goroutine. Replies for unknown or
// already resolved requests are dropped.
func (s *SignalSlotable) resolveReply(id string, m *broker.Message) {
	s.pendingMu.Lock()
	r, ok := s.pending[id]
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	r.resolve(replyResult(m))
}

func replyResult(m *broker.Message) (Args, error) {
	v, ok := m.Header.Get(broker.HeaderError)
	if !ok {
		return argsOf(m.Body), nil
	}
	details := m.HeaderString(broker.HeaderDetails)
	switch x := v.(type) {
	case string:
		if x == "" {
			return argsOf(m.Body), nil
		}
		kind := errors.Kind(x)
		if !kind.Known() {
			kind = errors.RemoteError
		}
		return nil, errors.New(kind, details)
	case bool:
		// Peers that flag errors with a bool put the message in a1.
		if !x {
			return argsOf(m.Body), nil
		}
		if msg, ok := m.Body.Get("a1"); ok && details == "" {
			details, _ = msg.(string)
		}
		return nil, errors.New(errors.RemoteError, details)
	}
	return nil, errors.New(errors.RemoteError, details)
}

// failPending resolves every outstanding request with err.
func (s *SignalSlotable) failPending(err error, match func(*Reply) bool) {
	s.pendingMu.Lock()
	var hit []*Reply
	for _, r := range s.pending {
		if match == nil || match(r) {
			hit = append(hit, r)
		}
	}
	s.pendingMu.Unlock()
	for _, r := range hit {
		r.resolve(nil, err)
	}
}

// Pending returns the number of unresolved requests.
func (s *SignalSlotable) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// header builds the envelope every outgoing message carries.
func (s *SignalSlotable) header(function, slotIDs, slotFns string) *hash.Hash {
	h := hash.New().
		Put(broker.HeaderSignalInstanceID, s.id).
		Put(broker.HeaderSignalFunction, function).
		Put(broker.HeaderSlotInstanceIDs, slotIDs)
	if slotFns != "" {
		h.Put(broker.HeaderSlotFunctions, slotFns)
	}
	h.Put(broker.HeaderHostName, s.hostName)
	if s.userName != "" {
		h.Put(broker.HeaderUserName, s.userName)
	}
	stampHeader(h)
	return h
}
