package propertytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/broker/membroker"
	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/server"
	"github.com/c360/karabo/signalslot"
)

type fixture struct {
	srv    *server.Server
	client *signalslot.SignalSlotable
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg := broker.NewRegistry()
	require.NoError(t, membroker.Register(reg))
	session, err := broker.Connect(context.Background(), reg, broker.Config{
		URLs:  []string{"mem://" + t.Name()},
		Topic: "karabo",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	srv, err := server.New(server.Config{
		ServerID:       "srv",
		Session:        session,
		PingTimeout:    -1,
		RequestTimeout: 3 * time.Second,
		Hostname:       "127.0.0.1",
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Kill(context.Background()) })

	client := signalslot.New(session, signalslot.Config{
		InstanceID:     "client",
		PingTimeout:    -1,
		RequestTimeout: 3 * time.Second,
	})
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })
	return &fixture{srv: srv, client: client}
}

func (f *fixture) request(t *testing.T, id, slot string, args ...any) (signalslot.Args, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.client.Request(ctx, id, slot, args...).Wait(ctx)
}

func (f *fixture) start(t *testing.T, id string, cfg *hash.Hash) {
	t.Helper()
	req := hash.New().Put("classId", ClassID).Put("deviceId", id)
	if cfg != nil {
		req.Put("configuration", cfg)
	}
	args, err := f.request(t, "srv", "slotStartDevice", req)
	require.NoError(t, err)
	require.Equal(t, true, args[0], "start %s: %v", id, args)
}

func (f *fixture) configuration(t *testing.T, id string) *hash.Hash {
	t.Helper()
	args, err := f.request(t, id, "slotGetConfiguration")
	require.NoError(t, err)
	return args[0].(*hash.Hash)
}

func value[T any](t *testing.T, f *fixture, id, path string) T {
	t.Helper()
	v, err := lookup[T](f, id, path)
	require.NoError(t, err)
	return v
}

// lookup is value for polling conditions, which must not stop the test.
func lookup[T any](f *fixture, id, path string) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	args, err := f.client.Request(ctx, id, "slotGetConfiguration").Wait(ctx)
	if err != nil {
		return zero, err
	}
	return hash.As[T](args[0].(*hash.Hash), path)
}

func TestClass(t *testing.T) {
	r := device.NewRegistry()
	require.NoError(t, Register(r))
	s, err := r.Schema(ClassID)
	require.NoError(t, err)
	assert.Equal(t, ClassID, s.Name)

	var found bool
	for _, c := range device.Provided(device.DefaultNamespace) {
		found = found || c.ClassID == ClassID
	}
	assert.True(t, found, "class is provided under the default namespace")
}

func TestPropertyTest_Increment(t *testing.T) {
	f := setup(t)
	f.start(t, "A", nil)
	assert.Equal(t, "NORMAL", value[string](t, f, "A", device.KeyState))

	ctx := context.Background()
	for range 3 {
		require.NoError(t, f.client.Call(ctx, "A", "increment"))
	}
	assert.Equal(t, int32(3), value[int32](t, f, "A", "integer"))

	_, err := f.request(t, "A", "reset")
	require.NoError(t, err)
	assert.Equal(t, int32(0), value[int32](t, f, "A", "integer"))
}

func TestPropertyTest_ConcurrentStart(t *testing.T) {
	f := setup(t)

	const n = 4
	replies := make([]signalslot.Args, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := hash.New().Put("classId", ClassID).Put("deviceId", "d").Put("configuration", hash.New())
			replies[i], errs[i] = f.request(t, "srv", "slotStartDevice", req)
		}()
	}
	wg.Wait()

	var wins, rejected int
	for i := range n {
		require.NoError(t, errs[i])
		switch replies[i][0] {
		case true:
			wins++
			assert.Equal(t, "d", replies[i][1])
		default:
			rejected++
			assert.Equal(t, server.ReplyIDInUse, replies[i][1])
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, rejected)
	assert.Eventually(t, func() bool {
		devices := f.client.Topology().Devices("srv")
		return len(devices) == 1 && devices[0] == "d"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPropertyTest_StateGatedReconfigure(t *testing.T) {
	f := setup(t)
	f.start(t, "D", hash.New().Put("outputFrequency", float32(100)))

	_, err := f.request(t, "D", "slotReconfigure", hash.New().Put("processingTime", uint32(5)))
	require.NoError(t, err)

	_, err = f.request(t, "D", "startWritingOutput")
	require.NoError(t, err)
	assert.Equal(t, "STARTED", value[string](t, f, "D", device.KeyState))

	_, err = f.request(t, "D", "slotReconfigure", hash.New().Put("processingTime", uint32(1)))
	require.Error(t, err)
	assert.Equal(t, errors.StateViolation, errors.KindOf(err))
	assert.Equal(t, uint32(5), value[uint32](t, f, "D", "processingTime"))

	_, err = f.request(t, "D", "writeOutput")
	assert.Equal(t, errors.StateViolation, errors.KindOf(err))

	assert.Eventually(t, func() bool {
		n, err := lookup[int32](f, "D", "outputCounter")
		return err == nil && n > 0
	}, 3*time.Second, 20*time.Millisecond)

	_, err = f.request(t, "D", "stopWritingOutput")
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", value[string](t, f, "D", device.KeyState))
}

func TestPropertyTest_Mirror(t *testing.T) {
	f := setup(t)
	f.start(t, "M", nil)

	tests := []struct {
		key   string
		value any
	}{
		{"boolProperty", true},
		{"int32Property", int32(-7)},
		{"uint32Property", uint32(9)},
		{"int64Property", int64(-3)},
		{"doubleProperty", 12.5},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			_, err := f.request(t, "M", "slotReconfigure", hash.New().Put(tt.key, tt.value))
			require.NoError(t, err)
			cfg := f.configuration(t, "M")
			got, _ := cfg.Get(tt.key)
			mirror, _ := cfg.Get(tt.key + "ReadOnly")
			assert.Equal(t, tt.value, got)
			assert.Equal(t, tt.value, mirror)
		})
	}

	t.Run("read-only refused", func(t *testing.T) {
		_, err := f.request(t, "M", "slotReconfigure", hash.New().Put("int32PropertyReadOnly", int32(1)))
		require.Error(t, err)
		assert.Equal(t, int32(-7), value[int32](t, f, "M", "int32PropertyReadOnly"))
	})

	t.Run("out of range refused", func(t *testing.T) {
		_, err := f.request(t, "M", "slotReconfigure", hash.New().Put("floatProperty", float32(5000)))
		require.Error(t, err)
		assert.Equal(t, float32(20), value[float32](t, f, "M", "floatProperty"))
	})
}

func TestPropertyTest_FaultySlot(t *testing.T) {
	f := setup(t)
	f.start(t, "F", nil)

	_, err := f.request(t, "F", "faultySlot")
	require.Error(t, err)
	assert.Equal(t, errors.RemoteError, errors.KindOf(err))
	assert.Contains(t, err.Error(), "Faulty Slot cannot be executed")
}

func TestPropertyTest_Pipeline(t *testing.T) {
	f := setup(t)
	f.start(t, "writer", nil)
	f.start(t, "reader", hash.New().Put("input.connectedOutputChannels", []string{"writer:output"}))

	w, ok := f.srv.Device("writer")
	require.True(t, ok)
	out, ok := w.Output("output")
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(out.Connections()) == 1 }, 3*time.Second, 10*time.Millisecond)

	for range 2 {
		_, err := f.request(t, "writer", "writeOutput")
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		n, err := lookup[int32](f, "reader", "inputCounter")
		return err == nil && n == 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), value[int32](t, f, "reader", "currentInputId"))
	assert.Equal(t, int32(2), value[int32](t, f, "writer", "outputCounter"))

	_, err := f.request(t, "writer", "eosOutput")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		n, err := lookup[int32](f, "reader", "inputCounterAtEos")
		return err == nil && n == 2
	}, 3*time.Second, 20*time.Millisecond)

	_, err = f.request(t, "reader", "resetChannelCounters")
	require.NoError(t, err)
	assert.Zero(t, value[int32](t, f, "reader", "inputCounter"))
}
