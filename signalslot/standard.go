package signalslot

import (
	"context"
	"time"

	"github.com/c360/karabo/hash"
)

// registerStandardSlots installs the slots every instance answers.
func (s *SignalSlotable) registerStandardSlots() {
	s.RegisterSlot("slotPing", s.slotPing)
	s.RegisterSlot("slotPingAnswer", s.slotPingAnswer, WithArity(2))
	s.RegisterSlot("slotInstanceNew", s.slotInstanceNew, WithArity(2))
	s.RegisterSlot("slotInstanceUpdated", s.slotInstanceUpdated, WithArity(2))
	s.RegisterSlot("slotInstanceGone", s.slotInstanceGone, WithArity(2))
	s.RegisterSlot("slotHeartbeat", s.slotHeartbeat, WithArity(3))
	s.RegisterSlot("slotSubscribeRemoteSignal", s.slotSubscribeRemoteSignal, WithArity(3))
	s.RegisterSlot("slotUnsubscribeRemoteSignal", s.slotUnsubscribeRemoteSignal, WithArity(3))
	s.RegisterSlot("slotHasSlot", s.slotHasSlot, WithArity(1))
	s.RegisterSlot("slotGetOutputChannelInformation", s.slotGetOutputChannelInformation)
}

// idAndInfo reads the (instanceId, info) pair most topology slots carry.
func idAndInfo(args Args) (string, *hash.Hash, error) {
	id, err := Arg[string](args, 0)
	if err != nil {
		return "", nil, err
	}
	info, err := Arg[*hash.Hash](args, 1)
	if err != nil {
		return "", nil, err
	}
	return id, info, nil
}

// slotPing(instanceId, rand, trackPings). A non-zero rand is a uniqueness
// check for instanceId: the instance that sent it stays silent, any other
// instance with that id answers. A zero rand is discovery; trackPings asks
// for an additional slotPingAnswer call.
func (s *SignalSlotable) slotPing(ctx context.Context, args Args) ([]any, error) {
	id, err := Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	var rand int32
	if len(args) > 1 {
		if rand, err = Arg[int32](args, 1); err != nil {
			return nil, err
		}
	}
	track := false
	if len(args) > 2 {
		track, _ = Arg[bool](args, 2)
	}

	if rand != 0 {
		if id != s.id || rand == s.nonce.Load() {
			return nil, errNoReply
		}
		return []any{s.Info()}, nil
	}
	if track && id != s.id {
		if err := s.Call(ctx, id, "slotPingAnswer", s.id, s.Info()); err != nil {
			s.logger.Debug("Ping answer not sent", "to", id, "error", err)
		}
	}
	return []any{s.Info()}, nil
}

func (s *SignalSlotable) slotPingAnswer(_ context.Context, args Args) ([]any, error) {
	id, info, err := idAndInfo(args)
	if err != nil {
		return nil, err
	}
	if id != s.id {
		s.topo.InstanceNew(id, info)
	}
	return nil, nil
}

func (s *SignalSlotable) slotInstanceNew(_ context.Context, args Args) ([]any, error) {
	id, info, err := idAndInfo(args)
	if err != nil {
		return nil, err
	}
	if id == s.id {
		return nil, nil
	}
	s.topo.InstanceNew(id, info)
	s.resubscribe(id)
	return nil, nil
}

func (s *SignalSlotable) slotInstanceUpdated(_ context.Context, args Args) ([]any, error) {
	id, info, err := idAndInfo(args)
	if err != nil {
		return nil, err
	}
	if id != s.id {
		s.topo.InstanceUpdated(id, info)
	}
	return nil, nil
}

func (s *SignalSlotable) slotInstanceGone(_ context.Context, args Args) ([]any, error) {
	id, _, err := idAndInfo(args)
	if err != nil {
		return nil, err
	}
	if id == s.id {
		return nil, nil
	}
	s.topo.InstanceGone(id)
	s.dropSubscriberInstance(id)
	return nil, nil
}

// slotHeartbeat(instanceId, interval, info). A heartbeat from an instance
// not yet in the topology counts as its appearance.
func (s *SignalSlotable) slotHeartbeat(_ context.Context, args Args) ([]any, error) {
	id, err := Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	if id == s.id {
		return nil, nil
	}
	secs, err := Arg[float64](args, 1)
	if err != nil {
		return nil, err
	}
	info, _ := Arg[*hash.Hash](args, 2)
	if s.topo.Heartbeat(id, time.Duration(secs*float64(time.Second)), info) {
		s.resubscribe(id)
	}
	return nil, nil
}

func signalArgs(args Args) (signal, instance, slot string, err error) {
	if signal, err = Arg[string](args, 0); err != nil {
		return
	}
	if instance, err = Arg[string](args, 1); err != nil {
		return
	}
	slot, err = Arg[string](args, 2)
	return
}

// slotSubscribeRemoteSignal(signal, slotInstance, slot) answers whether
// signal exists here.
func (s *SignalSlotable) slotSubscribeRemoteSignal(_ context.Context, args Args) ([]any, error) {
	signal, instance, slot, err := signalArgs(args)
	if err != nil {
		return nil, err
	}
	return []any{s.addSubscriber(signal, instance, slot)}, nil
}

func (s *SignalSlotable) slotUnsubscribeRemoteSignal(_ context.Context, args Args) ([]any, error) {
	signal, instance, slot, err := signalArgs(args)
	if err != nil {
		return nil, err
	}
	return []any{s.removeSubscriber(signal, instance, slot)}, nil
}

func (s *SignalSlotable) slotHasSlot(_ context.Context, args Args) ([]any, error) {
	name, err := Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	return []any{s.HasSlot(name)}, nil
}

// slotGetOutputChannelInformation(channel, pid) answers (found, info).
func (s *SignalSlotable) slotGetOutputChannelInformation(_ context.Context, args Args) ([]any, error) {
	name, err := Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	lookup := s.channels
	s.mu.RUnlock()
	if lookup != nil {
		if info, ok := lookup(name); ok {
			return []any{true, info}, nil
		}
	}
	return []any{false, hash.New()}, nil
}
