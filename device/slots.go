package device

import (
	"context"

	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pkg/timestamp"
	"github.com/c360/karabo/schema"
	"github.com/c360/karabo/signalslot"
)

func (d *Device) registerStandardSlots() {
	d.ss.RegisterSlot("slotGetConfiguration", d.slotGetConfiguration)
	d.ss.RegisterSlot("slotGetConfigurationSlice", d.slotGetConfigurationSlice, signalslot.WithArity(1))
	d.ss.RegisterSlot("slotGetSchema", d.slotGetSchema)
	d.ss.RegisterSlot("slotReconfigure", d.slotReconfigure, signalslot.WithArity(1))
	d.ss.RegisterSlot("slotKillDevice", d.slotKillDevice)
	d.ss.RegisterSlot("slotGetTime", d.slotGetTime)
	d.ss.RegisterSlot("slotLoggerPriority", d.slotLoggerPriority, signalslot.WithArity(1))
}

// slotGetConfiguration answers (configuration, deviceId).
func (d *Device) slotGetConfiguration(context.Context, signalslot.Args) ([]any, error) {
	return []any{d.Configuration(), d.id}, nil
}

// slotGetConfigurationSlice(paths) answers the requested properties only.
func (d *Device) slotGetConfigurationSlice(_ context.Context, args signalslot.Args) ([]any, error) {
	paths, err := signalslot.Arg[[]string](args, 0)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := hash.New()
	for _, p := range paths {
		n, ok := d.config.GetNode(p)
		if !ok {
			continue
		}
		_ = out.Set(p, hash.CloneValue(n.Value()))
		if attrs, ok := out.Attributes(p); ok {
			*attrs = n.Attributes().Clone()
		}
	}
	return []any{out}, nil
}

// slotGetSchema(onlyCurrentState) answers (schema, deviceId). With
// onlyCurrentState set, parameters and slots not allowed in the current
// state are left out.
func (d *Device) slotGetSchema(_ context.Context, args signalslot.Args) ([]any, error) {
	only := false
	if args.Len() > 0 {
		var err error
		if only, err = signalslot.Arg[bool](args, 0); err != nil {
			return nil, err
		}
	}
	s := d.Schema()
	if only {
		s = forState(s, d.State())
	}
	return []any{s, d.id}, nil
}

func forState(s *hash.Schema, state State) *hash.Schema {
	out := s.Clone()
	paths := append(schema.Leaves(s), schema.Slots(s)...)
	for _, path := range paths {
		p, _ := schema.Lookup(s, path)
		if allowed := p.AllowedStates(); len(allowed) > 0 && !containsState(allowed, state) {
			out.Hash.Erase(path)
		}
	}
	return out
}

// slotReconfigure(config) applies a runtime configuration. It answers
// nothing on success.
func (d *Device) slotReconfigure(ctx context.Context, args signalslot.Args) ([]any, error) {
	incoming, err := signalslot.Arg[*hash.Hash](args, 0)
	if err != nil {
		return nil, err
	}
	if err := d.Reconfigure(ctx, incoming); err != nil {
		d.logger.Debug("Reconfiguration refused", "sender", signalslot.Sender(ctx), "error", err)
		return nil, err
	}
	return nil, nil
}

// slotKillDevice answers true and goes offline once the reply is out; the
// shutdown cannot run inside the slot because stopping waits for it.
func (d *Device) slotKillDevice(ctx context.Context, _ signalslot.Args) ([]any, error) {
	d.logger.Info("Kill requested", "sender", signalslot.Sender(ctx))
	go d.Kill(context.Background())
	return []any{true}, nil
}

// slotGetTime answers {time, reference?, timeServerId}.
func (d *Device) slotGetTime(context.Context, signalslot.Args) ([]any, error) {
	if d.cfg.TimeInfo != nil {
		return []any{d.cfg.TimeInfo()}, nil
	}
	return []any{LocalTime(timestamp.Now())}, nil
}

// LocalTime is the slotGetTime answer of an instance without a time
// server.
func LocalTime(now timestamp.Timestamp) *hash.Hash {
	return hash.New().Put("time", now.ToHash()).Put("timeServerId", "None")
}

// slotLoggerPriority(level) changes the device's logging priority.
func (d *Device) slotLoggerPriority(_ context.Context, args signalslot.Args) ([]any, error) {
	s, err := signalslot.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	l, err := ParseLogLevel(s)
	if err != nil {
		return nil, err
	}
	d.SetLogLevel(l)
	return nil, nil
}
