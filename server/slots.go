package server

import (
	"context"

	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/signalslot"
)

func (s *Server) registerSlots() {
	s.ss.RegisterSlot("slotGetClassSchema", s.slotGetClassSchema, signalslot.WithArity(1))
	s.ss.RegisterSlot("slotStartDevice", s.slotStartDevice, signalslot.WithArity(1), signalslot.Parallel())
	s.ss.RegisterSlot("slotKillDevice", s.slotKillDevice, signalslot.WithArity(1), signalslot.Parallel())
	s.ss.RegisterSlot("slotKillServer", s.slotKillServer)
	s.ss.RegisterSlot("slotTimeTick", s.slotTimeTick, signalslot.WithArity(4))
	s.ss.RegisterSlot("slotGetTime", s.slotGetTime)
	s.ss.RegisterSlot("slotLoggerPriority", s.slotLoggerPriority, signalslot.WithArity(1))
	s.ss.RegisterSlot("slotGetConfiguration", s.slotGetConfiguration)
	s.ss.RegisterSlot("slotGetSchema", s.slotGetSchema)
}

// slotGetClassSchema(classId) answers (schema, classId, serverId).
func (s *Server) slotGetClassSchema(_ context.Context, args signalslot.Args) ([]any, error) {
	classID, err := signalslot.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	sc, err := s.classes.Schema(classID)
	if err != nil {
		return nil, err
	}
	return []any{sc, classID, s.id}, nil
}

// slotStartDevice({classId, deviceId, configuration}) answers (true,
// deviceId) or (false, reason). A configuration that does not validate
// fails the request.
func (s *Server) slotStartDevice(ctx context.Context, args signalslot.Args) ([]any, error) {
	h, err := signalslot.Arg[*hash.Hash](args, 0)
	if err != nil {
		return nil, err
	}
	req, err := parseStartRequest(h)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Trying to start device", "classId", req.ClassID, "deviceId", req.DeviceID,
		"sender", signalslot.Sender(ctx))

	id, err := s.StartDevice(ctx, req)
	switch {
	case err == nil:
		return []any{true, id}, nil
	case errors.KindOf(err) == errors.ClassUnknown:
		return []any{false, ReplyClassUnknown}, nil
	case errors.KindOf(err) == errors.IDInUse:
		return []any{false, ReplyIDInUse}, nil
	case errors.Is(err, ErrStartFailed):
		return []any{false, err.Error()}, nil
	default:
		return nil, err
	}
}

// slotKillDevice(deviceId) kills a hosted device and answers whether it
// was hosted here.
func (s *Server) slotKillDevice(ctx context.Context, args signalslot.Args) ([]any, error) {
	id, err := signalslot.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Kill device requested", "deviceId", id, "sender", signalslot.Sender(ctx))
	return []any{s.KillDevice(ctx, id)}, nil
}

// slotKillServer answers true, then kills the devices and the server.
func (s *Server) slotKillServer(ctx context.Context, _ signalslot.Args) ([]any, error) {
	s.logger.Info("Kill server requested", "sender", signalslot.Sender(ctx))
	go s.Kill(context.Background())
	return []any{true}, nil
}

// slotTimeTick(trainId, sec, frac, period) updates the time reference.
// Train id 0 clears it.
func (s *Server) slotTimeTick(_ context.Context, args signalslot.Args) ([]any, error) {
	var v [4]uint64
	for i := range v {
		x, err := signalslot.Arg[uint64](args, i)
		if err != nil {
			return nil, err
		}
		v[i] = x
	}
	s.TimeTick(v[0], v[1], v[2], v[3])
	return nil, nil
}

// slotGetTime answers {time, reference?, timeServerId}.
func (s *Server) slotGetTime(context.Context, signalslot.Args) ([]any, error) {
	return []any{s.timeInfo()}, nil
}

// slotLoggerPriority(level) sets the priority of the server and all its
// devices.
func (s *Server) slotLoggerPriority(_ context.Context, args signalslot.Args) ([]any, error) {
	raw, err := signalslot.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	l, err := device.ParseLogLevel(raw)
	if err != nil {
		return nil, err
	}
	s.SetLogLevel(l)
	return nil, nil
}

func (s *Server) slotGetConfiguration(context.Context, signalslot.Args) ([]any, error) {
	return []any{s.Configuration(), s.id}, nil
}

func (s *Server) slotGetSchema(context.Context, signalslot.Args) ([]any, error) {
	return []any{s.schema, s.id}, nil
}
