package device

import (
	"slices"

	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pipeline"
	"github.com/c360/karabo/schema"
)

// SetInputHandlers installs the handlers of the input channel at path.
// Call it from the class factory; handlers set after the channel opened
// are not picked up.
func (d *Device) SetInputHandlers(path string, h pipeline.Handlers) {
	d.inputMu.Lock()
	defer d.inputMu.Unlock()
	d.handlers[path] = h
}

// Output returns the output channel at path.
func (d *Device) Output(path string) (*pipeline.OutputChannel, bool) {
	return d.outputs.Get(path)
}

// Input returns the input channel at path.
func (d *Device) Input(path string) (*pipeline.InputChannel, bool) {
	d.inputMu.Lock()
	defer d.inputMu.Unlock()
	in, ok := d.inputs[path]
	return in, ok
}

func (d *Device) channelValue(path, key string) any {
	v, _ := d.Get(path + hash.Separator + key)
	return v
}

// openOutputs starts the output channels s declares that are not open yet.
func (d *Device) openOutputs(s *hash.Schema) error {
	for _, path := range schema.Find(s, schema.DisplayOutputChannel) {
		if _, ok := d.outputs.Get(path); ok {
			continue
		}
		host, _ := d.channelValue(path, KeyHostname).(string)
		if host == "" {
			host = d.cfg.Hostname
		}
		port, _ := d.channelValue(path, KeyPort).(uint32)
		shared, _ := d.channelValue(path, KeyNoInputShared).(string)

		o := pipeline.NewOutputChannel(pipeline.OutputConfig{
			Name:          path,
			DeviceID:      d.id,
			Hostname:      host,
			Port:          int(port),
			NoInputShared: pipeline.Slowness(shared),
			Logger:        d.logger,
			Metrics:       d.cfg.MetricsRegistry.CoreMetrics(),
		})
		if err := o.Start(d.ctx); err != nil {
			return err
		}
		d.outputs.Add(o)
	}
	return nil
}

// openInputs creates the input channels s declares and connects them to
// their configured outputs.
func (d *Device) openInputs(s *hash.Schema) {
	for _, path := range schema.Find(s, schema.DisplayInputChannel) {
		d.inputMu.Lock()
		if _, ok := d.inputs[path]; ok {
			d.inputMu.Unlock()
			continue
		}
		dist, _ := d.channelValue(path, KeyDataDistribution).(string)
		slow, _ := d.channelValue(path, KeyOnSlowness).(string)
		queue, _ := d.channelValue(path, KeyMaxQueueLength).(uint32)
		in := pipeline.NewInputChannel(pipeline.InputConfig{
			InstanceID:       d.id + ":" + path,
			DataDistribution: pipeline.Distribution(dist),
			OnSlowness:       pipeline.Slowness(slow),
			MaxQueueLength:   int(queue),
			Resolver:         pipeline.SlotResolver(d.ss),
			Handlers:         d.handlers[path],
			Logger:           d.logger,
		})
		d.inputs[path] = in
		d.inputMu.Unlock()

		outputs, _ := d.channelValue(path, KeyConnectedOutputChannels).([]string)
		for _, o := range outputs {
			if err := in.Connect(o); err != nil {
				d.logger.Warn("Cannot connect input", "input", path, "output", o, "error", err)
			}
		}
	}
}

// syncInputs follows reconfigured connectedOutputChannels.
func (d *Device) syncInputs(s *hash.Schema, applied *hash.Hash) {
	for _, path := range schema.Find(s, schema.DisplayInputChannel) {
		v, ok := applied.Get(path + hash.Separator + KeyConnectedOutputChannels)
		if !ok {
			continue
		}
		in, open := d.Input(path)
		if !open {
			continue
		}
		want, _ := v.([]string)
		for _, o := range in.Outputs() {
			if !slices.Contains(want, o) {
				in.Disconnect(o)
			}
		}
		for _, o := range want {
			if err := in.Connect(o); err != nil {
				d.logger.Warn("Cannot connect input", "input", path, "output", o, "error", err)
			}
		}
	}
}

func (d *Device) closeChannels() {
	d.inputMu.Lock()
	inputs := d.inputs
	d.inputs = make(map[string]*pipeline.InputChannel)
	d.inputMu.Unlock()
	for _, in := range inputs {
		_ = in.Close()
	}
	for _, o := range d.outputs.All() {
		_ = o.Close()
	}
}
