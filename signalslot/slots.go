package signalslot

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// Args are the positional arguments of a slot call or reply, in the order
// of the body entries a1..aN.
type Args []any

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Arg returns argument i converted to T. Numbers convert when the value is
// preserved, so an INT64 42 reads fine as int32.
func Arg[T any](a Args, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(a) {
		return zero, errors.Newf(errors.ArityError, "argument %d of %d requested", i+1, len(a))
	}
	if x, ok := a[i].(T); ok {
		return x, nil
	}
	t, ok := hash.TypeOf(zero)
	if !ok {
		return zero, errors.Newf(errors.Conversion, "%T is not a hash value type", zero)
	}
	c, err := hash.Coerce(a[i], t)
	if err != nil {
		return zero, err
	}
	x, ok := c.(T)
	if !ok {
		return zero, errors.Newf(errors.Conversion, "argument %d: cannot represent %T as %T", i+1, a[i], zero)
	}
	return x, nil
}

func argKey(i int) string { return fmt.Sprintf("a%d", i+1) }

func argsOf(body *hash.Hash) Args {
	var out Args
	for i := 0; ; i++ {
		v, ok := body.Get(argKey(i))
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func bodyOf(args []any) (*hash.Hash, error) {
	body := hash.New()
	for i, v := range args {
		if err := body.Set(argKey(i), v); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// SlotFunc handles one slot invocation. The returned values become the
// reply arguments when the caller asked for one. A returned error is sent
// back with its kind; errors without a kind travel as remote-error.
type SlotFunc func(ctx context.Context, args Args) ([]any, error)

type slot struct {
	name     string
	fn       SlotFunc
	arity    int
	parallel bool
}

// SlotOption configures a slot at registration.
type SlotOption func(*slot)

// WithArity rejects calls that do not carry exactly n arguments.
func WithArity(n int) SlotOption {
	return func(s *slot) { s.arity = n }
}

// Parallel marks a slot as safe to run concurrently with other slots. It
// is dispatched to the worker pool instead of the serial executor.
func Parallel() SlotOption {
	return func(s *slot) { s.parallel = true }
}

type senderKey struct{}

// Sender returns the instance id that invoked the running slot.
func Sender(ctx context.Context) string {
	s, _ := ctx.Value(senderKey{}).(string)
	return s
}

// errNoReply makes a slot stay silent even when the caller expects a reply.
var errNoReply = errors.New(errors.Cancelled, "no reply")

// RegisterSlot binds fn to name. Registering a name twice replaces the
// previous handler.
func (s *SignalSlotable) RegisterSlot(name string, fn SlotFunc, opts ...SlotOption) {
	sl := &slot{name: name, fn: fn, arity: -1}
	for _, opt := range opts {
		opt(sl)
	}
	s.mu.Lock()
	s.slots[name] = sl
	s.mu.Unlock()
}

// HasSlot reports whether name is registered.
func (s *SignalSlotable) HasSlot(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[name]
	return ok
}

// Slots returns the registered slot names.
func (s *SignalSlotable) Slots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.slots))
	for n := range s.slots {
		out = append(out, n)
	}
	return out
}

func (s *SignalSlotable) lookupSlot(name string) *slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[name]
}

// parseSlotFunctions reads "|dev:slotA,slotB||*:slotC|".
func parseSlotFunctions(sel string) map[string][]string {
	out := make(map[string][]string)
	for _, part := range strings.Split(sel, "|") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, names, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		for _, n := range strings.Split(names, ",") {
			if n = strings.TrimSpace(n); n != "" {
				out[id] = append(out[id], n)
			}
		}
	}
	return out
}

// formatSlotFunctions renders the inverse of parseSlotFunctions for ids in
// the given order.
func formatSlotFunctions(ids []string, slots map[string][]string) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteString("|")
		b.WriteString(id)
		b.WriteString(":")
		b.WriteString(strings.Join(slots[id], ","))
		b.WriteString("|")
	}
	return b.String()
}

// onMessage runs on the transport goroutine. Replies complete their
// request directly; everything else is queued on the executor.
func (s *SignalSlotable) onMessage(m *broker.Message) {
	if id := m.HeaderString(broker.HeaderReplyFrom); id != "" {
		s.resolveReply(id, m)
		return
	}
	targets := parseSlotFunctions(m.HeaderString(broker.HeaderSlotFunctions))
	names := append(targets[s.id], targets[broker.Everyone]...)
	if len(names) == 0 {
		return
	}
	sender := m.HeaderString(broker.HeaderSignalInstanceID)
	parallel := len(names) == 1
	if parallel {
		sl := s.lookupSlot(names[0])
		parallel = sl != nil && sl.parallel
	}
	s.exec.push(task{
		peer:     sender,
		signal:   m.HeaderString(broker.HeaderSignalFunction),
		parallel: parallel,
		run: func(ctx context.Context) {
			for _, name := range names {
				s.invoke(ctx, m, sender, name)
			}
		},
	})
}

func (s *SignalSlotable) invoke(ctx context.Context, m *broker.Message, sender, name string) {
	replyTo := m.HeaderString(broker.HeaderReplyTo)
	sl := s.lookupSlot(name)
	if sl == nil {
		if replyTo != "" {
			s.sendReply(sender, replyTo, nil, errors.Newf(errors.SlotUnknown, "%s has no slot %q", s.id, name))
		} else {
			s.logger.Debug("Ignoring call to unknown slot", "slot", name, "sender", sender)
		}
		return
	}
	args := argsOf(m.Body)
	var (
		out []any
		err error
	)
	if sl.arity >= 0 && len(args) != sl.arity {
		err = errors.Newf(errors.ArityError, "%s.%s takes %d arguments, got %d", s.id, name, sl.arity, len(args))
	} else {
		out, err = s.runSlot(context.WithValue(ctx, senderKey{}, sender), sl, args)
	}
	if err == errNoReply {
		return
	}
	status := "ok"
	if err != nil {
		status = string(errors.KindOf(err))
		s.logger.Debug("Slot failed", "slot", name, "sender", sender, "error", err)
	}
	s.metrics.RecordSlotCall(s.id, status)
	if replyTo != "" {
		s.sendReply(sender, replyTo, out, err)
	}
}

func (s *SignalSlotable) runSlot(ctx context.Context, sl *slot, args Args) (out []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Slot panicked", "slot", sl.name, "panic", r, "stack", string(debug.Stack()))
			err = errors.Newf(errors.RemoteError, "%s.%s panicked: %v", s.id, sl.name, r)
		}
	}()
	return sl.fn(ctx, args)
}

func (s *SignalSlotable) sendReply(to, replyTo string, out []any, slotErr error) {
	h := s.header("__reply__", broker.JoinIDs(to), "")
	h.Put(broker.HeaderReplyFrom, replyTo)
	body, err := bodyOf(out)
	if err != nil && slotErr == nil {
		slotErr = err
		body = hash.New()
	}
	if slotErr != nil {
		kind := errors.KindOf(slotErr)
		h.Put(broker.HeaderError, string(kind))
		h.Put(broker.HeaderDetails, errors.Details(slotErr))
		body = hash.New()
	}
	if err := s.session.Publish(context.Background(), &broker.Message{Header: h, Body: body}); err != nil {
		s.logger.Warn("Failed to send reply", "to", to, "error", err)
	}
}
