package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/broker/membroker"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pipeline"
	"github.com/c360/karabo/schema"
	"github.com/c360/karabo/signalslot"
)

type counter struct {
	d         *Device
	initErr   error
	destroyed atomic.Bool
}

func (c *counter) OnInitialization(context.Context) error { return c.initErr }

func (c *counter) OnDestruction(context.Context) { c.destroyed.Store(true) }

func (c *counter) OnReconfigure(_ context.Context, incoming *hash.Hash) error {
	if v, err := hash.As[int32](incoming, "integer"); err == nil && v < 0 {
		return errors.New(errors.SchemaInvalid, "integer must not go negative")
	}
	return nil
}

func (c *counter) increment(context.Context, signalslot.Args) ([]any, error) {
	v, err := Value[int32](c.d, "integer")
	if err != nil {
		return nil, err
	}
	return nil, c.d.Set("integer", v+1)
}

func noop(context.Context, signalslot.Args) ([]any, error) { return nil, nil }

func testClass(initErr error) Class {
	return Class{
		ClassID:      "TestDevice",
		InitialState: Off,
		Parameters: []schema.Describer{func(b *schema.Builder) {
			b.Int32("integer").Reconfigurable().Default(int32(0)).Commit()
			b.Int32("p").Reconfigurable().Default(int32(0)).AllowedStates("ON").Commit()
			b.String("mode").Init().Default("fast").Options("fast", "slow").Commit()
			b.Slot("increment").Commit()
			b.Slot("start").Commit()
			b.Slot("stop").Commit()
			b.Slot("onlyOn").AllowedStates("ON").Commit()
		}},
		Transitions: []Transition{
			{Event: "start", From: []State{Off}, To: On},
			{Event: "stop", From: []State{On}, To: Off},
		},
		Factory: func(d *Device) (any, error) {
			c := &counter{d: d, initErr: initErr}
			d.RegisterSlot("increment", c.increment)
			d.RegisterSlot("start", noop)
			d.RegisterSlot("stop", noop)
			d.RegisterSlot("onlyOn", noop)
			return c, nil
		},
	}
}

func newSession(t *testing.T) *broker.Session {
	t.Helper()
	reg := broker.NewRegistry()
	require.NoError(t, membroker.Register(reg))
	s, err := broker.Connect(context.Background(), reg, broker.Config{
		URLs:  []string{"mem://" + t.Name()},
		Topic: "karabo",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newDevice(t *testing.T, session *broker.Session, id string, mutate ...func(*Config)) *Device {
	t.Helper()
	class := testClass(nil)
	cfg := Config{
		Class:          &class,
		DeviceID:       id,
		ServerID:       "srv",
		Session:        session,
		PingTimeout:    -1,
		RequestTimeout: 2 * time.Second,
		Hostname:       "127.0.0.1",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func startDevice(t *testing.T, session *broker.Session, id string, mutate ...func(*Config)) *Device {
	t.Helper()
	d := newDevice(t, session, id, mutate...)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Kill(context.Background()) })
	return d
}

func newClient(t *testing.T, session *broker.Session) *signalslot.SignalSlotable {
	t.Helper()
	c := signalslot.New(session, signalslot.Config{
		InstanceID:     "client",
		PingTimeout:    -1,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func request(t *testing.T, c *signalslot.SignalSlotable, id, slot string, args ...any) (signalslot.Args, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.Request(ctx, id, slot, args...).Wait(ctx)
}

func TestNew_Validation(t *testing.T) {
	session := newSession(t)
	class := testClass(nil)

	tests := []struct {
		name string
		cfg  Config
		kind errors.Kind
	}{
		{
			name: "unknown parameter",
			cfg:  Config{Class: &class, DeviceID: "d", Session: session, Configuration: hash.New().Put("nope", int32(1))},
			kind: errors.SchemaInvalid,
		},
		{
			name: "option violated",
			cfg:  Config{Class: &class, DeviceID: "d", Session: session, Configuration: hash.New().Put("mode", "medium")},
			kind: errors.SchemaInvalid,
		},
		{
			name: "read-only parameter",
			cfg:  Config{Class: &class, DeviceID: "d", Session: session, Configuration: hash.New().Put("state", "ON")},
			kind: errors.SchemaInvalid,
		},
		{
			name: "bad conversion",
			cfg:  Config{Class: &class, DeviceID: "d", Session: session, Configuration: hash.New().Put("integer", "many")},
			kind: errors.Conversion,
		},
		{
			name: "invalid id",
			cfg:  Config{Class: &class, DeviceID: "a b", Session: session},
			kind: errors.SchemaInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))
		})
	}

	t.Run("missing class", func(t *testing.T) {
		_, err := New(Config{DeviceID: "d", Session: session})
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})
}

func TestDevice_InitialConfiguration(t *testing.T) {
	d := newDevice(t, newSession(t), "dev", func(c *Config) {
		c.Configuration = hash.New().Put("integer", "5").Put("mode", "slow")
	})

	cfg := d.Configuration()
	for path, want := range map[string]any{
		KeyDeviceID:          "dev",
		KeyServerID:          "srv",
		KeyClassID:           "TestDevice",
		KeyState:             "OFF",
		KeyVisibility:        int32(4),
		KeyArchive:           true,
		KeyHeartbeatInterval: int32(20),
		"integer":            int32(5),
		"mode":               "slow",
	} {
		got, ok := cfg.Get(path)
		require.True(t, ok, path)
		assert.Equal(t, want, got, path)
	}
	assert.True(t, cfg.HasAttribute("integer", "sec"))
	assert.True(t, cfg.HasAttribute("integer", "frac"))
	assert.Equal(t, Off, d.State())

	info := d.SignalSlotable().Info()
	for path, want := range map[string]any{
		"type":       "device",
		"classId":    "TestDevice",
		"serverId":   "srv",
		"status":     "ok",
		"log":        "INFO",
		"visibility": int32(4),
	} {
		got, _ := info.Get(path)
		assert.Equal(t, want, got, path)
	}
}

func TestDevice_IncrementThenRead(t *testing.T) {
	session := newSession(t)
	startDevice(t, session, "A")
	c := newClient(t, session)

	for range 3 {
		require.NoError(t, c.Call(context.Background(), "A", "increment"))
	}
	args, err := request(t, c, "A", "slotGetConfiguration")
	require.NoError(t, err)
	cfg, err := signalslot.Arg[*hash.Hash](args, 0)
	require.NoError(t, err)
	v, err := hash.As[int32](cfg, "integer")
	require.NoError(t, err)
	assert.Equal(t, int32(3), v)
	id, _ := signalslot.Arg[string](args, 1)
	assert.Equal(t, "A", id)
}

func TestDevice_ReconfigureStateGating(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")
	c := newClient(t, session)

	_, err := request(t, c, "D", "slotReconfigure", hash.New().Put("p", int32(1)))
	require.Error(t, err)
	assert.Equal(t, errors.StateViolation, errors.KindOf(err))
	p, _ := Value[int32](d, "p")
	assert.Equal(t, int32(0), p)

	_, err = request(t, c, "D", "start")
	require.NoError(t, err)
	assert.Equal(t, On, d.State())

	_, err = request(t, c, "D", "slotReconfigure", hash.New().Put("p", int32(1)))
	require.NoError(t, err)
	p, _ = Value[int32](d, "p")
	assert.Equal(t, int32(1), p)
}

func TestDevice_Reconfigure(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")
	c := newClient(t, session)

	tests := []struct {
		name   string
		in     *hash.Hash
		kind   errors.Kind
		result int32
	}{
		{name: "accepted", in: hash.New().Put("integer", int32(7)), result: 7},
		{name: "converted", in: hash.New().Put("integer", "8"), result: 8},
		{name: "init-only refused", in: hash.New().Put("mode", "slow"), kind: errors.SchemaInvalid, result: 8},
		{name: "read-only refused", in: hash.New().Put("state", "ON"), kind: errors.SchemaInvalid, result: 8},
		{name: "unknown refused as a whole", in: hash.New().Put("integer", int32(9)).Put("nope", true), kind: errors.SchemaInvalid, result: 8},
		{name: "vetoed by the device", in: hash.New().Put("integer", int32(-1)), kind: errors.SchemaInvalid, result: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := request(t, c, "D", "slotReconfigure", tt.in)
			if tt.kind == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.kind, errors.KindOf(err))
			}
			v, _ := Value[int32](d, "integer")
			assert.Equal(t, tt.result, v)
		})
	}
}

func TestDevice_SlotStateRules(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")
	c := newClient(t, session)

	_, err := request(t, c, "D", "stop")
	assert.Equal(t, errors.StateViolation, errors.KindOf(err), "no transition from OFF")
	assert.Equal(t, Off, d.State())

	_, err = request(t, c, "D", "onlyOn")
	assert.Equal(t, errors.StateViolation, errors.KindOf(err), "allowedStates")

	_, err = request(t, c, "D", "start")
	require.NoError(t, err)
	_, err = request(t, c, "D", "onlyOn")
	require.NoError(t, err)
	_, err = request(t, c, "D", "stop")
	require.NoError(t, err)
	assert.Equal(t, Off, d.State())
}

type changes struct {
	mu     sync.Mutex
	deltas []*hash.Hash
}

func (r *changes) slot(_ context.Context, args signalslot.Args) ([]any, error) {
	h, err := signalslot.Arg[*hash.Hash](args, 0)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.deltas = append(r.deltas, h)
	r.mu.Unlock()
	return nil, nil
}

func (r *changes) all() []*hash.Hash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*hash.Hash(nil), r.deltas...)
}

// watch connects signal of id to a recorder on c and waits until the
// subscription is in place.
func watch(t *testing.T, c *signalslot.SignalSlotable, id, signal string) *changes {
	t.Helper()
	r := &changes{}
	slot := "on_" + signal
	c.RegisterSlot(slot, r.slot)
	require.NoError(t, c.Connect(context.Background(), id, signal, slot))
	_, err := request(t, c, id, "slotGetConfiguration")
	require.NoError(t, err)
	return r
}

func TestDevice_SignalChanged(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")
	c := newClient(t, session)
	r := watch(t, c, "D", SignalChanged)

	require.NoError(t, d.Set("integer", 5))
	require.NoError(t, d.SetMany(hash.New().Put("integer", int32(6)).Put(KeyStatus, "busy")))

	require.Eventually(t, func() bool { return len(r.all()) == 2 }, 2*time.Second, 10*time.Millisecond)
	deltas := r.all()
	v, _ := hash.As[int32](deltas[0], "integer")
	assert.Equal(t, int32(5), v)
	assert.True(t, deltas[0].HasAttribute("integer", "sec"))
	assert.Equal(t, []string{"integer", KeyStatus}, deltas[1].Keys())

	t.Run("all or nothing", func(t *testing.T) {
		err := d.SetMany(hash.New().Put("integer", int32(1)).Put("nope", int32(2)))
		assert.Equal(t, errors.SchemaInvalid, errors.KindOf(err))
		v, _ := Value[int32](d, "integer")
		assert.Equal(t, int32(6), v)
	})
}

func TestDevice_UpdateStatePublishesStatus(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")

	require.NoError(t, d.UpdateState(Error))
	status, _ := d.SignalSlotable().Info().Get("status")
	assert.Equal(t, "error", status)

	require.NoError(t, d.UpdateState(On))
	status, _ = d.SignalSlotable().Info().Get("status")
	assert.Equal(t, "ok", status)
}

func injected(t *testing.T, describe schema.Describer) *hash.Schema {
	t.Helper()
	s, err := schema.Assemble("TestDevice", describe)
	require.NoError(t, err)
	return s
}

func TestDevice_InjectParameters(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")
	c := newClient(t, session)
	r := watch(t, c, "D", SignalSchemaUpdated)

	delta := injected(t, func(b *schema.Builder) {
		b.Int32("gain").Reconfigurable().Default(int32(7)).Commit()
		b.Int32("fixed").ReadOnly().Default(int32(1)).Commit()
		b.Int32("plain").Reconfigurable().Default(int32(3)).Commit()
	})
	seed := hash.New().Put("gain", int32(9)).Put("fixed", int32(100))
	require.NoError(t, d.InjectParameters(delta, seed))

	for path, want := range map[string]int32{"gain": 9, "fixed": 1, "plain": 3} {
		v, err := Value[int32](d, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, v, path)
	}
	_, ok := schema.Lookup(d.Schema(), "gain")
	assert.True(t, ok)
	require.Eventually(t, func() bool { return len(r.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err := request(t, c, "D", "slotReconfigure", hash.New().Put("gain", int32(11)))
	require.NoError(t, err)

	t.Run("overwrite", func(t *testing.T) {
		var attrs hash.Attributes
		require.NoError(t, attrs.Set(schema.AttrMaxInc, int32(20)))
		require.NoError(t, d.OverwriteParameter("gain", &attrs))
		_, err := request(t, c, "D", "slotReconfigure", hash.New().Put("gain", int32(30)))
		assert.Equal(t, errors.SchemaInvalid, errors.KindOf(err))
	})

	t.Run("remove", func(t *testing.T) {
		d.RemoveParameters(delta)
		_, ok := schema.Lookup(d.Schema(), "gain")
		assert.False(t, ok)
		_, ok = d.Get("gain")
		assert.False(t, ok)
		_, ok = schema.Lookup(d.Schema(), "integer")
		assert.True(t, ok)
	})
}

func TestDevice_InjectionIsConsistent(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 50 {
			name := fmt.Sprintf("p%d", i)
			delta, _ := schema.Assemble("TestDevice", func(b *schema.Builder) {
				b.Double(name).Reconfigurable().Default(float64(i)).Commit()
			})
			_ = d.InjectParameters(delta, nil)
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		s, cfg := d.snapshot()
		for _, path := range cfg.Paths() {
			_, ok := schema.Lookup(s, path)
			require.True(t, ok, "configured %s missing from schema", path)
		}
	}
}

func TestDevice_GetSchema(t *testing.T) {
	session := newSession(t)
	startDevice(t, session, "D")
	c := newClient(t, session)

	args, err := request(t, c, "D", "slotGetSchema", false)
	require.NoError(t, err)
	full, err := signalslot.Arg[*hash.Schema](args, 0)
	require.NoError(t, err)
	assert.True(t, full.Hash.Has("p"))
	assert.True(t, full.Hash.Has("onlyOn"))

	args, err = request(t, c, "D", "slotGetSchema", true)
	require.NoError(t, err)
	current, err := signalslot.Arg[*hash.Schema](args, 0)
	require.NoError(t, err)
	assert.False(t, current.Hash.Has("p"))
	assert.False(t, current.Hash.Has("onlyOn"))
	assert.True(t, current.Hash.Has("integer"))

	args, err = request(t, c, "D", "slotGetConfigurationSlice", []string{"integer", "mode", "nope"})
	require.NoError(t, err)
	slice, err := signalslot.Arg[*hash.Hash](args, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"integer", "mode"}, slice.Keys())
}

func TestDevice_LoggerPriority(t *testing.T) {
	session := newSession(t)
	d := startDevice(t, session, "D")
	c := newClient(t, session)

	tests := []struct {
		level string
		want  LogLevel
		fails bool
	}{
		{level: "debug", want: LogLevelDebug},
		{level: "WARNING", want: LogLevelWarn},
		{level: "Error", want: LogLevelError},
		{level: "loud", want: LogLevelError, fails: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			_, err := request(t, c, "D", "slotLoggerPriority", tt.level)
			if tt.fails {
				assert.Equal(t, errors.Conversion, errors.KindOf(err))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, d.LogLevel())
			level, _ := d.SignalSlotable().Info().Get("log")
			assert.Equal(t, string(tt.want), level)
		})
	}
}

func TestDevice_GetTime(t *testing.T) {
	session := newSession(t)
	startDevice(t, session, "D")
	c := newClient(t, session)

	args, err := request(t, c, "D", "slotGetTime")
	require.NoError(t, err)
	h, err := signalslot.Arg[*hash.Hash](args, 0)
	require.NoError(t, err)
	assert.True(t, h.Has("time.sec"))
	id, _ := hash.As[string](h, "timeServerId")
	assert.Equal(t, "None", id)
}

func TestDevice_Kill(t *testing.T) {
	session := newSession(t)
	var killed atomic.Value
	d := startDevice(t, session, "D", func(c *Config) {
		c.OnKilled = func(id string) { killed.Store(id) }
	})
	c := newClient(t, session)

	args, err := request(t, c, "D", "slotKillDevice")
	require.NoError(t, err)
	ok, _ := signalslot.Arg[bool](args, 0)
	assert.True(t, ok)

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("device did not go offline")
	}
	assert.Equal(t, "D", killed.Load())
	assert.True(t, d.Behaviour().(*counter).destroyed.Load())
	assert.Error(t, d.Context().Err())
}

func TestDevice_InitializationFailure(t *testing.T) {
	session := newSession(t)
	class := testClass(errors.New(errors.RemoteError, "hardware missing"))
	d := newDevice(t, session, "D", func(c *Config) { c.Class = &class })

	err := d.Start(context.Background())
	require.Error(t, err)
	select {
	case <-d.Done():
	default:
		t.Fatal("failed device must be offline")
	}
	assert.False(t, d.Behaviour().(*counter).destroyed.Load())
}

func TestDevice_PipelineChannels(t *testing.T) {
	session := newSession(t)

	source := Class{
		ClassID:    "Source",
		Parameters: []schema.Describer{func(b *schema.Builder) { OutputChannel(b, "output") }},
		Factory:    func(*Device) (any, error) { return nil, nil },
	}
	src := startDevice(t, session, "src", func(c *Config) { c.Class = &source })

	var mu sync.Mutex
	var got []int32
	sink := Class{
		ClassID:    "Sink",
		Parameters: []schema.Describer{func(b *schema.Builder) { InputChannel(b, "input") }},
		Factory: func(d *Device) (any, error) {
			d.SetInputHandlers("input", pipeline.Handlers{
				OnData: func(_ context.Context, data *hash.Hash, _ pipeline.Meta) {
					v, _ := hash.As[int32](data, "v")
					mu.Lock()
					got = append(got, v)
					mu.Unlock()
				},
			})
			return nil, nil
		},
	}
	dst := startDevice(t, session, "dst", func(c *Config) {
		c.Class = &sink
		c.Configuration = hash.New().Put("input.connectedOutputChannels", []string{"src:output"})
	})

	out, ok := src.Output("output")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(out.Connections()) == 1 }, 3*time.Second, 10*time.Millisecond)
	for i := range 3 {
		require.NoError(t, out.Write(context.Background(), hash.New().Put("v", int32(i))))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 3*time.Second, 10*time.Millisecond)

	in, ok := dst.Input("input")
	require.True(t, ok)
	assert.Equal(t, []string{"src:output"}, in.Outputs())

	t.Run("reconfigured outputs", func(t *testing.T) {
		require.NoError(t, dst.Reconfigure(context.Background(),
			hash.New().Put("input.connectedOutputChannels", []string{})))
		assert.Empty(t, in.Outputs())
	})
}
