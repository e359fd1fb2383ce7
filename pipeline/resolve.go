package pipeline

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/signalslot"
)

// SplitOutput splits "<deviceId>:<channel>".
func SplitOutput(output string) (deviceID, channel string, err error) {
	deviceID, channel, ok := strings.Cut(output, ":")
	if !ok || deviceID == "" || channel == "" {
		return "", "", errors.Newf(errors.Format, "output %q is not <deviceId>:<channel>", output)
	}
	return deviceID, channel, nil
}

// SlotResolver asks the owning device for the endpoint with
// slotGetOutputChannelInformation.
func SlotResolver(s *signalslot.SignalSlotable) Resolver {
	pid := int32(os.Getpid())
	return func(ctx context.Context, output string) (Endpoint, error) {
		deviceID, channel, err := SplitOutput(output)
		if err != nil {
			return Endpoint{}, err
		}
		args, err := s.Request(ctx, deviceID, "slotGetOutputChannelInformation", channel, pid).Wait(ctx)
		if err != nil {
			return Endpoint{}, err
		}
		found, err := signalslot.Arg[bool](args, 0)
		if err != nil {
			return Endpoint{}, err
		}
		if !found {
			return Endpoint{}, errors.Newf(errors.TargetGone, "%s has no output channel %q", deviceID, channel)
		}
		info, err := signalslot.Arg[*hash.Hash](args, 1)
		if err != nil {
			return Endpoint{}, err
		}
		host, err := hash.As[string](info, "hostname")
		if err != nil {
			return Endpoint{}, err
		}
		port, err := hash.As[uint32](info, "port")
		if err != nil {
			return Endpoint{}, err
		}
		return Endpoint{Host: host, Port: int(port)}, nil
	}
}

// Registry holds the output channels of one instance and answers
// slotGetOutputChannelInformation for them.
type Registry struct {
	mu      sync.RWMutex
	outputs map[string]*OutputChannel
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{outputs: make(map[string]*OutputChannel)}
}

// Add registers o under its name.
func (r *Registry) Add(o *OutputChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[o.Name()] = o
}

// Get returns the output named name.
func (r *Registry) Get(name string) (*OutputChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.outputs[name]
	return o, ok
}

// Lookup is a signalslot.OutputChannelLookup over the registry.
func (r *Registry) Lookup(name string) (*hash.Hash, bool) {
	o, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	return o.Info(), true
}

// All returns the registered outputs.
func (r *Registry) All() []*OutputChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*OutputChannel, 0, len(r.outputs))
	for _, o := range r.outputs {
		out = append(out, o)
	}
	return out
}
