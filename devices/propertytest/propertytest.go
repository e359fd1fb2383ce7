package propertytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pipeline"
	"github.com/c360/karabo/schema"
	"github.com/c360/karabo/signalslot"
)

// ClassID is the class name served by device servers.
const ClassID = "PropertyTest"

// Properties whose writes are mirrored into <name>ReadOnly.
var mirrored = []string{
	"boolProperty", "int32Property", "uint32Property", "int64Property",
	"uint64Property", "floatProperty", "doubleProperty",
}

func init() {
	device.Provide(device.DefaultNamespace, Class())
}

// Register adds the PropertyTest class to r.
func Register(r *device.Registry) error {
	return r.Register(Class())
}

// Class returns the PropertyTest device class: one property of every common
// type with a read-only mirror, a counter, an output channel that can write
// continuously and an input channel that counts what it receives.
func Class() device.Class {
	return device.Class{
		ClassID:      ClassID,
		Version:      "1.0",
		Description:  "Exercises properties, slots and pipelines",
		InitialState: device.Init,
		Parameters:   []schema.Describer{properties, channels, slots},
		Factory:      newPropertyTest,
	}
}

func properties(b *schema.Builder) {
	b.Bool("boolProperty").Reconfigurable().Default(false).DisplayedName("Bool").Commit()
	b.Bool("boolPropertyReadOnly").ReadOnly().Default(true).DisplayedName("Bool Readonly").Commit()

	b.Int32("int32Property").Reconfigurable().Default(int32(32_000_000)).DisplayedName("Int32").Commit()
	b.Int32("int32PropertyReadOnly").ReadOnly().Default(int32(32_000_000)).
		AlarmLow(int32(-32_000_000)).WarnLow(int32(-10)).DisplayedName("Int32 (RO)").Commit()

	b.UInt32("uint32Property").Reconfigurable().Default(uint32(32_000_000)).DisplayedName("UInt32").Commit()
	b.UInt32("uint32PropertyReadOnly").ReadOnly().Default(uint32(32_000_000)).
		WarnHigh(uint32(32_000_001)).AlarmHigh(uint32(64_000_000)).DisplayedName("UInt32 (RO)").Commit()

	b.Int64("int64Property").Reconfigurable().Default(int64(3_200_000_000)).DisplayedName("Int64").Commit()
	b.Int64("int64PropertyReadOnly").ReadOnly().Default(int64(3_200_000_000)).
		AlarmLow(int64(-3_200_000_000)).WarnLow(int64(-3200)).DisplayedName("Int64 (RO)").Commit()

	b.UInt64("uint64Property").Reconfigurable().Default(uint64(3_200_000_000)).DisplayedName("UInt64").Commit()
	b.UInt64("uint64PropertyReadOnly").ReadOnly().Default(uint64(3_200_000_000)).
		WarnHigh(uint64(3_200_000_001)).AlarmHigh(uint64(6_400_000_000)).DisplayedName("UInt64 (RO)").Commit()

	b.Float("floatProperty").Reconfigurable().Default(float32(20)).
		MinExc(float32(-1000)).MaxExc(float32(1000)).DisplayedName("Float (Min / Max)").Commit()
	b.Float("floatPropertyReadOnly").ReadOnly().Default(float32(0)).DisplayedName("Float (RO)").Commit()

	b.Double("doubleProperty").Reconfigurable().Default(float64(3.1415)).
		MinInc(float64(-100)).MaxInc(float64(1000)).DisplayedName("Double (Min / Max)").Commit()
	b.Double("doublePropertyReadOnly").ReadOnly().Default(float64(3.1415)).DisplayedName("Double (RO)").Commit()

	b.String("stringProperty").Reconfigurable().Default("foo").DisplayedName("String").Commit()

	b.Node("vectors").DisplayedName("Vectors").Commit()
	b.VectorInt32("vectors.int32Property").Reconfigurable().Default([]int32{-1, 2, 3}).Commit()
	b.VectorDouble("vectors.doubleProperty").Reconfigurable().Default([]float64{1.23, 0.4, 1.0}).Commit()
	b.VectorString("vectors.stringProperty").Reconfigurable().Default([]string{"A", "B", "C"}).Commit()

	b.Int32("integer").Reconfigurable().Default(int32(0)).
		DisplayedName("Counter").Description("Incremented by the increment slot").Commit()
}

func channels(b *schema.Builder) {
	device.OutputChannel(b, "output")
	b.Float("outputFrequency").Reconfigurable().Default(float32(1)).
		MinExc(float32(0)).MaxInc(float32(1000)).Unit("Hz").
		DisplayedName("Output frequency").
		Description("Target frequency for continuous writing to output").Commit()
	b.Int32("outputCounter").ReadOnly().Default(int32(0)).
		Description("Last value sent as node.int32 via output").Commit()

	device.InputChannel(b, "input")
	b.UInt32("processingTime").Reconfigurable().Default(uint32(0)).
		Unit("s").MetricPrefix("m").AllowedStates(string(device.Normal)).
		DisplayedName("Processing Time").
		Description("Time the input handler spends on each item").Commit()
	b.Int32("currentInputId").ReadOnly().Default(int32(0)).Commit()
	b.Int32("inputCounter").ReadOnly().Default(int32(0)).Commit()
	b.Int32("inputCounterAtEos").ReadOnly().Default(int32(0)).Commit()
}

func slots(b *schema.Builder) {
	b.Slot("increment").DisplayedName("Increment").Commit()
	b.Slot("reset").DisplayedName("Reset").Commit()
	b.Slot("startWritingOutput").AllowedStates(string(device.Normal)).DisplayedName("Start Writing").Commit()
	b.Slot("stopWritingOutput").AllowedStates(string(device.Started)).DisplayedName("Stop Writing").Commit()
	b.Slot("writeOutput").AllowedStates(string(device.Normal)).DisplayedName("Write to Output").Commit()
	b.Slot("eosOutput").AllowedStates(string(device.Normal)).DisplayedName("EOS to Output").Commit()
	b.Slot("resetChannelCounters").AllowedStates(string(device.Normal)).DisplayedName("Reset Channels").Commit()
	b.Slot("faultySlot").DisplayedName("Faulty Slot").Commit()
}

// PropertyTest is the behaviour of one PropertyTest device.
type PropertyTest struct {
	d *device.Device

	// writeMu serializes the output counter between slots and the writer.
	writeMu sync.Mutex
	runMu   sync.Mutex
	stop    context.CancelFunc
	writer  sync.WaitGroup
}

func newPropertyTest(d *device.Device) (any, error) {
	p := &PropertyTest{d: d}
	d.RegisterSlot("increment", p.increment)
	d.RegisterSlot("reset", p.reset)
	d.RegisterSlot("startWritingOutput", p.startWritingOutput)
	d.RegisterSlot("stopWritingOutput", p.stopWritingOutput)
	d.RegisterSlot("writeOutput", p.writeOutput)
	d.RegisterSlot("eosOutput", p.eosOutput)
	d.RegisterSlot("resetChannelCounters", p.resetChannelCounters)
	d.RegisterSlot("faultySlot", p.faultySlot)
	d.SetInputHandlers("input", pipeline.Handlers{
		OnData:        p.onData,
		OnEndOfStream: p.onEndOfStream,
		OnClose: func(output string) {
			d.Logger().Info("Input closed", "output", output)
		},
	})
	return p, nil
}

// OnInitialization puts the device into NORMAL.
func (p *PropertyTest) OnInitialization(context.Context) error {
	return p.d.UpdateState(device.Normal)
}

// OnDestruction stops a running writer.
func (p *PropertyTest) OnDestruction(context.Context) {
	p.stopWriter()
}

// OnReconfigure mirrors writes of the mirrored properties into their
// read-only twins.
func (p *PropertyTest) OnReconfigure(_ context.Context, incoming *hash.Hash) error {
	twins := hash.New()
	for _, key := range mirrored {
		if v, ok := incoming.Get(key); ok {
			twins.Put(key+"ReadOnly", v)
		}
	}
	if twins.Empty() {
		return nil
	}
	return p.d.SetMany(twins)
}

func (p *PropertyTest) increment(context.Context, signalslot.Args) ([]any, error) {
	v, err := device.Value[int32](p.d, "integer")
	if err != nil {
		return nil, err
	}
	return nil, p.d.Set("integer", v+1)
}

func (p *PropertyTest) reset(context.Context, signalslot.Args) ([]any, error) {
	return nil, p.d.Set("integer", int32(0))
}

func (p *PropertyTest) faultySlot(context.Context, signalslot.Args) ([]any, error) {
	return nil, errors.New(errors.RemoteError, "Faulty Slot cannot be executed")
}

// writeData sends one item with the next output counter.
func (p *PropertyTest) writeData(ctx context.Context) error {
	out, ok := p.d.Output("output")
	if !ok {
		return errors.New(errors.SchemaInvalid, "output channel is not open")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := device.Value[int32](p.d, "outputCounter")
	if err != nil {
		return err
	}
	n++
	data := hash.New().
		Put("node.int32", n).
		Put("node.string", fmt.Sprint(n)).
		Put("node.vecInt64", []int64{int64(n), int64(n) * 2, int64(n) * 3})
	if err := out.Write(ctx, data); err != nil {
		return err
	}
	return p.d.Set("outputCounter", n)
}

func (p *PropertyTest) writeOutput(ctx context.Context, _ signalslot.Args) ([]any, error) {
	return nil, p.writeData(ctx)
}

func (p *PropertyTest) eosOutput(ctx context.Context, _ signalslot.Args) ([]any, error) {
	out, ok := p.d.Output("output")
	if !ok {
		return nil, errors.New(errors.SchemaInvalid, "output channel is not open")
	}
	return nil, out.WriteEndOfStream(ctx)
}

func (p *PropertyTest) resetChannelCounters(context.Context, signalslot.Args) ([]any, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return nil, p.d.SetMany(hash.New().
		Put("outputCounter", int32(0)).
		Put("currentInputId", int32(0)).
		Put("inputCounter", int32(0)).
		Put("inputCounterAtEos", int32(0)))
}

// startWritingOutput writes continuously at outputFrequency until
// stopWritingOutput.
func (p *PropertyTest) startWritingOutput(context.Context, signalslot.Args) ([]any, error) {
	if err := p.d.UpdateState(device.Starting); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(p.d.Context())
	p.runMu.Lock()
	p.stop = cancel
	p.runMu.Unlock()
	p.writer.Add(1)
	go p.write(ctx)
	return nil, p.d.UpdateState(device.Started)
}

func (p *PropertyTest) write(ctx context.Context) {
	defer p.writer.Done()
	for {
		freq, err := device.Value[float32](p.d, "outputFrequency")
		if err != nil || freq <= 0 {
			freq = 1
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(float64(time.Second) / float64(freq))):
		}
		if err := p.writeData(ctx); err != nil && ctx.Err() == nil {
			p.d.Logger().Warn("Writing to output failed", "error", err)
		}
	}
}

func (p *PropertyTest) stopWritingOutput(context.Context, signalslot.Args) ([]any, error) {
	if err := p.d.UpdateState(device.Stopping); err != nil {
		return nil, err
	}
	p.stopWriter()
	return nil, p.d.UpdateState(device.Normal)
}

func (p *PropertyTest) stopWriter() {
	p.runMu.Lock()
	cancel := p.stop
	p.stop = nil
	p.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.writer.Wait()
}

// onData waits processingTime, counts the item, remembers its id and
// forwards a new item to the output.
func (p *PropertyTest) onData(ctx context.Context, data *hash.Hash, _ pipeline.Meta) {
	ms, _ := device.Value[uint32](p.d, "processingTime")
	if ms > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}
	count, _ := device.Value[int32](p.d, "inputCounter")
	id, _ := hash.As[int32](data, "node.int32")
	if err := p.d.SetMany(hash.New().Put("inputCounter", count+1).Put("currentInputId", id)); err != nil {
		p.d.Logger().Warn("Input not counted", "error", err)
		return
	}
	if err := p.writeData(ctx); err != nil {
		p.d.Logger().Debug("Forwarding input failed", "error", err)
	}
}

// onEndOfStream records the counter and passes the end of stream on.
func (p *PropertyTest) onEndOfStream(ctx context.Context) {
	count, _ := device.Value[int32](p.d, "inputCounter")
	if err := p.d.Set("inputCounterAtEos", count); err != nil {
		p.d.Logger().Warn("End of stream not recorded", "error", err)
	}
	if out, ok := p.d.Output("output"); ok {
		if err := out.WriteEndOfStream(ctx); err != nil {
			p.d.Logger().Debug("Forwarding end of stream failed", "error", err)
		}
	}
}
