package signalslot

import (
	"context"
	"slices"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
)

// SignalSignalDrop is emitted when inbound messages were dropped because a
// peer outran the per-peer queue. Arguments: peer id, signal name, count.
const SignalSignalDrop = "signalSignalDrop"

type subscriber struct {
	instance string
	slot     string
}

// connection is a local slot wired to a remote signal. It outlives the
// emitter and is re-announced whenever the emitter appears again.
type connection struct {
	instance string
	signal   string
	slot     string
}

// RegisterSignal declares signal so remote instances may connect to it.
func (s *SignalSlotable) RegisterSignal(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.signals[name]; !ok {
		s.signals[name] = nil
	}
}

// HasSignal reports whether name was registered.
func (s *SignalSlotable) HasSignal(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.signals[name]
	return ok
}

// Subscribers returns the "instance:slot" pairs connected to signal.
func (s *SignalSlotable) Subscribers(signal string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.signals[signal]))
	for _, sub := range s.signals[signal] {
		out = append(out, sub.instance+":"+sub.slot)
	}
	return out
}

func (s *SignalSlotable) addSubscriber(signal, instance, slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.signals[signal]
	if !ok {
		return false
	}
	sub := subscriber{instance: instance, slot: slot}
	if !slices.Contains(subs, sub) {
		s.signals[signal] = append(subs, sub)
	}
	return true
}

func (s *SignalSlotable) removeSubscriber(signal, instance, slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.signals[signal]
	if !ok {
		return false
	}
	s.signals[signal] = slices.DeleteFunc(subs, func(x subscriber) bool {
		return x.instance == instance && x.slot == slot
	})
	return true
}

// dropSubscriberInstance forgets every subscription held by instance.
func (s *SignalSlotable) dropSubscriberInstance(instance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, subs := range s.signals {
		s.signals[name] = slices.DeleteFunc(subs, func(x subscriber) bool { return x.instance == instance })
	}
}

// Emit sends args to every slot connected to signal. All receivers of one
// instance share a single message. Emit never blocks on receivers and does
// not report delivery problems to the caller; they are logged.
func (s *SignalSlotable) Emit(signal string, args ...any) {
	s.mu.RLock()
	subs := slices.Clone(s.signals[signal])
	s.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	var ids []string
	slots := make(map[string][]string)
	for _, sub := range subs {
		if _, ok := slots[sub.instance]; !ok {
			ids = append(ids, sub.instance)
		}
		slots[sub.instance] = append(slots[sub.instance], sub.slot)
	}
	body, err := bodyOf(args)
	if err != nil {
		s.logger.Error("Cannot encode signal arguments", "signal", signal, "error", err)
		return
	}
	m := &broker.Message{
		Header: s.header(signal, broker.JoinIDs(ids...), formatSlotFunctions(ids, slots)),
		Body:   body,
	}
	if err := s.session.Publish(context.Background(), m); err != nil {
		s.logger.Warn("Emit failed", "signal", signal, "error", err)
	}
}

// Connect wires signal of instance to the local slot. The connection is
// kept even when the emitter is offline and becomes active as soon as it
// appears. When the emitter is known to be alive Connect waits for its
// acknowledgement and fails with slot-unknown if it has no such signal.
func (s *SignalSlotable) Connect(ctx context.Context, instance, signal, slot string) error {
	if !s.HasSlot(slot) {
		return errors.Newf(errors.SlotUnknown, "%s has no slot %q", s.id, slot)
	}
	c := connection{instance: instance, signal: signal, slot: slot}
	s.mu.Lock()
	if !slices.Contains(s.connections, c) {
		s.connections = append(s.connections, c)
	}
	s.mu.Unlock()

	var err error
	switch {
	case instance == s.id:
		if !s.addSubscriber(signal, s.id, slot) {
			err = errors.Newf(errors.SlotUnknown, "%s has no signal %q", s.id, signal)
		}
	case !s.topo.Has(instance):
		// Announce anyway: the emitter may be alive but not yet known here.
		if err := s.Call(ctx, instance, "slotSubscribeRemoteSignal", signal, s.id, slot); err != nil {
			s.logger.Debug("Connection pending", "instance", instance, "signal", signal, "error", err)
		}
	default:
		err = s.subscribeRemote(ctx, c)
	}
	if errors.KindOf(err) == errors.SlotUnknown {
		s.forgetConnection(c)
	}
	return err
}

func (s *SignalSlotable) forgetConnection(c connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := slices.Index(s.connections, c)
	if idx < 0 {
		return false
	}
	s.connections = slices.Delete(s.connections, idx, idx+1)
	return true
}

func (s *SignalSlotable) subscribeRemote(ctx context.Context, c connection) error {
	args, err := s.Request(ctx, c.instance, "slotSubscribeRemoteSignal", c.signal, s.id, c.slot).Wait(ctx)
	if err != nil {
		return err
	}
	if ok, _ := Arg[bool](args, 0); !ok {
		return errors.Newf(errors.SlotUnknown, "%s has no signal %q", c.instance, c.signal)
	}
	return nil
}

// Disconnect removes a connection made with Connect.
func (s *SignalSlotable) Disconnect(ctx context.Context, instance, signal, slot string) error {
	if !s.forgetConnection(connection{instance: instance, signal: signal, slot: slot}) {
		return errors.Newf(errors.SlotUnknown, "%s.%s is not connected to %s", instance, signal, slot)
	}

	if instance == s.id {
		s.removeSubscriber(signal, s.id, slot)
		return nil
	}
	if !s.topo.Has(instance) {
		return nil
	}
	args, err := s.Request(ctx, instance, "slotUnsubscribeRemoteSignal", signal, s.id, slot).Wait(ctx)
	if err != nil {
		return err
	}
	if ok, _ := Arg[bool](args, 0); !ok {
		return errors.Newf(errors.SlotUnknown, "%s has no signal %q", instance, signal)
	}
	return nil
}

// ConnectCallback receives the outcome of an asynchronous connect or
// disconnect. An empty failureMessage means success; otherwise it holds
// the error kind, so slot-unknown is told apart from transport failures.
type ConnectCallback func(failureMessage, failureDetails string)

// AsyncConnect runs Connect in the background and reports through done.
func (s *SignalSlotable) AsyncConnect(instance, signal, slot string, done ConnectCallback) {
	s.async(func(ctx context.Context) error { return s.Connect(ctx, instance, signal, slot) }, done)
}

// AsyncDisconnect runs Disconnect in the background and reports through done.
func (s *SignalSlotable) AsyncDisconnect(instance, signal, slot string, done ConnectCallback) {
	s.async(func(ctx context.Context) error { return s.Disconnect(ctx, instance, signal, slot) }, done)
}

func (s *SignalSlotable) async(op func(context.Context) error, done ConnectCallback) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		err := op(ctx)
		if done == nil {
			return
		}
		if err != nil {
			done(string(errors.KindOf(err)), errors.Details(err))
			return
		}
		done("", "")
	}()
}

// resubscribe re-announces every connection to instance. It runs when the
// instance (re)appears.
func (s *SignalSlotable) resubscribe(instance string) {
	s.mu.RLock()
	var conns []connection
	for _, c := range s.connections {
		if c.instance == instance && instance != s.id {
			conns = append(conns, c)
		}
	}
	s.mu.RUnlock()
	for _, c := range conns {
		if err := s.Call(context.Background(), c.instance, "slotSubscribeRemoteSignal", c.signal, s.id, c.slot); err != nil {
			s.logger.Warn("Resubscribe failed", "instance", instance, "signal", c.signal, "error", err)
		}
	}
}

func (s *SignalSlotable) onDropped(dropped []task) {
	counts := make(map[[2]string]int)
	var order [][2]string
	for _, t := range dropped {
		k := [2]string{t.peer, t.signal}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}
	for _, k := range order {
		n := counts[k]
		for range n {
			s.metrics.RecordSignalDrop(s.id)
		}
		if s.dropWarn.Allow() {
			s.logger.Warn("Dropped inbound messages, peer outran the queue",
				"peer", k[0], "signal", k[1], "count", n, "limit", s.cfg.MaxQueuedPerPeer,
				"suppressed", s.dropSuppressed.Swap(0))
		} else {
			s.dropSuppressed.Add(1)
		}
		s.Emit(SignalSignalDrop, k[0], k[1], int32(n))
	}
}
