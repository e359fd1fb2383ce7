package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/broker/membroker"
	"github.com/c360/karabo/codec"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pkg/retry"
	"github.com/c360/karabo/pkg/timestamp"
	"github.com/c360/karabo/signalslot"
)

func TestFrame_DataRoundTrip(t *testing.T) {
	ts := timestamp.Now()
	ts.TrainID = 42
	meta := Meta{Source: "cam:output", Timestamp: ts}
	big := bytes.Repeat([]byte{7}, 8192)

	tests := []struct {
		name     string
		zeroCopy bool
	}{
		{"copy", false},
		{"zero copy", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := hash.New().Put("i", int32(1)).Put("raw", big)
			b := hash.New().Put("i", int32(2))
			f, err := encodeData(codec.Encoder{}, tt.zeroCopy, meta, a, b)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, f.writeTo(&buf))
			assert.Equal(t, f.size, buf.Len())
			// A frame can be written more than once.
			var again bytes.Buffer
			require.NoError(t, f.writeTo(&again))
			assert.Equal(t, buf.Bytes(), again.Bytes())

			items, eos, err := readFrame(&buf, codec.Decoder{})
			require.NoError(t, err)
			assert.False(t, eos)
			require.Len(t, items, 2)
			assert.True(t, a.Equal(items[0].data))
			assert.True(t, b.Equal(items[1].data))
			assert.Equal(t, meta, items[0].meta)
			assert.Equal(t, meta, items[1].meta)
		})
	}
}

func TestFrame_EndOfStream(t *testing.T) {
	f, err := encodeEndOfStream(codec.Encoder{})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.writeTo(&buf))

	// The body is empty: the last four bytes are a zero length.
	raw := buf.Bytes()
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[len(raw)-4:]))

	items, eos, err := readFrame(&buf, codec.Decoder{})
	require.NoError(t, err)
	assert.True(t, eos)
	assert.Empty(t, items)
}

func TestFrame_Errors(t *testing.T) {
	t.Run("block over limit", func(t *testing.T) {
		r := bytes.NewReader(binary.LittleEndian.AppendUint32(nil, 1<<20))
		_, _, err := readFrame(r, codec.Decoder{MaxFrameBytes: 1024})
		assert.Equal(t, errors.TooLarge, errors.KindOf(err))
	})
	t.Run("item overruns body", func(t *testing.T) {
		header, err := codec.Encode(hash.New().Put(keyByteSizes, []uint32{100}))
		require.NoError(t, err)
		var buf bytes.Buffer
		buf.Write(u32(len(header)))
		buf.Write(header)
		buf.Write(u32(3))
		buf.Write([]byte{1, 2, 3})
		_, _, err = readFrame(&buf, codec.Decoder{})
		assert.Equal(t, errors.Format, errors.KindOf(err))
	})
}

// sink records the "i" values an input receives. While gate is open
// (non-nil and not closed) every handler call waits for it.
type sink struct {
	mu    sync.Mutex
	vals  []int32
	eos   []int
	gate  chan struct{}
	avail atomic.Int32
}

func (s *sink) handlers() Handlers {
	return Handlers{
		OnData: func(_ context.Context, data *hash.Hash, _ Meta) {
			if s.gate != nil {
				<-s.gate
			}
			v, _ := hash.As[int32](data, "i")
			s.mu.Lock()
			s.vals = append(s.vals, v)
			s.mu.Unlock()
		},
		OnEndOfStream: func(context.Context) {
			s.mu.Lock()
			s.eos = append(s.eos, len(s.vals))
			s.mu.Unlock()
		},
		OnInputAvailable: func() { s.avail.Add(1) },
	}
}

func (s *sink) values() []int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.vals)
}

func (s *sink) ends() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.eos)
}

func startOutput(t *testing.T, mutate ...func(*OutputConfig)) *OutputChannel {
	t.Helper()
	cfg := OutputConfig{Name: "output", DeviceID: "O", Hostname: "127.0.0.1"}
	for _, m := range mutate {
		m(&cfg)
	}
	o := NewOutputChannel(cfg)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func connectInput(t *testing.T, o *OutputChannel, s *sink, mutate ...func(*InputConfig)) *InputChannel {
	t.Helper()
	cfg := InputConfig{InstanceID: "I:input", Handlers: s.handlers()}
	for _, m := range mutate {
		m(&cfg)
	}
	in := NewInputChannel(cfg)
	t.Cleanup(func() { _ = in.Close() })
	require.NoError(t, in.ConnectEndpoint("O:output", Endpoint{Host: "127.0.0.1", Port: o.Port()}))
	return in
}

func waitConnections(t *testing.T, o *OutputChannel, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(o.Connections()) == n }, 5*time.Second, 5*time.Millisecond)
}

func write(t *testing.T, o *OutputChannel, vals ...int32) {
	t.Helper()
	for _, v := range vals {
		require.NoError(t, o.Write(context.Background(), hash.New().Put("i", v)))
	}
}

func eventuallyValues(t *testing.T, s *sink, want []int32) {
	t.Helper()
	require.Eventually(t, func() bool { return slices.Equal(s.values(), want) }, 5*time.Second, 5*time.Millisecond,
		"got %v, want %v", s.values(), want)
}

func TestOutput_DropKeepsNewest(t *testing.T) {
	o := startOutput(t)
	s := &sink{gate: make(chan struct{})}
	connectInput(t, o, s, func(c *InputConfig) {
		c.OnSlowness = Drop
		c.MaxQueueLength = 2
	})
	waitConnections(t, o, 1)

	// f1 goes out at once; f2..f5 compete for two queue slots.
	write(t, o, 1, 2, 3, 4, 5)
	close(s.gate)

	eventuallyValues(t, s, []int32{1, 4, 5})
	conns := o.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, uint64(2), conns[0].Dropped)
	assert.Equal(t, "I:input", conns[0].RemoteID)
	assert.Equal(t, Drop, conns[0].OnSlowness)
	assert.Equal(t, 2, conns[0].MaxQueueLength)
	assert.Equal(t, 2, conns[0].MaxQueued)
}

func TestOutput_QueueDiscardsNew(t *testing.T) {
	o := startOutput(t)
	s := &sink{gate: make(chan struct{})}
	connectInput(t, o, s, func(c *InputConfig) { c.OnSlowness = Queue })
	waitConnections(t, o, 1)

	write(t, o, 1, 2, 3, 4, 5)
	close(s.gate)

	eventuallyValues(t, s, []int32{1, 2, 3})
	assert.Equal(t, uint64(2), o.Connections()[0].Dropped)
}

func TestOutput_Throw(t *testing.T) {
	o := startOutput(t)
	s := &sink{gate: make(chan struct{})}
	connectInput(t, o, s, func(c *InputConfig) { c.OnSlowness = Throw })
	waitConnections(t, o, 1)

	write(t, o, 1, 2, 3)
	err := o.Write(context.Background(), hash.New().Put("i", int32(4)))
	assert.Equal(t, errors.Backpressure, errors.KindOf(err))
	assert.True(t, errors.IsTransient(err))

	close(s.gate)
	eventuallyValues(t, s, []int32{1, 2, 3})
	assert.Equal(t, uint64(1), o.Connections()[0].Dropped)
}

func TestOutput_Wait(t *testing.T) {
	t.Run("times out while the input is stuck", func(t *testing.T) {
		o := startOutput(t, func(c *OutputConfig) { c.WaitTimeout = 200 * time.Millisecond })
		s := &sink{gate: make(chan struct{})}
		connectInput(t, o, s, func(c *InputConfig) { c.OnSlowness = Wait })
		waitConnections(t, o, 1)

		write(t, o, 1, 2, 3)
		start := time.Now()
		err := o.Write(context.Background(), hash.New().Put("i", int32(4)))
		assert.Equal(t, errors.Timeout, errors.KindOf(err))
		assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

		close(s.gate)
		eventuallyValues(t, s, []int32{1, 2, 3})
		write(t, o, 5)
		eventuallyValues(t, s, []int32{1, 2, 3, 5})
	})

	t.Run("resumes when the input catches up", func(t *testing.T) {
		o := startOutput(t)
		s := &sink{gate: make(chan struct{})}
		connectInput(t, o, s, func(c *InputConfig) { c.OnSlowness = Wait })
		waitConnections(t, o, 1)

		write(t, o, 1, 2, 3)
		done := make(chan error, 1)
		go func() { done <- o.Write(context.Background(), hash.New().Put("i", int32(4))) }()
		select {
		case err := <-done:
			t.Fatalf("write returned early: %v", err)
		case <-time.After(100 * time.Millisecond):
		}

		close(s.gate)
		require.NoError(t, <-done)
		eventuallyValues(t, s, []int32{1, 2, 3, 4})
		assert.Zero(t, o.Connections()[0].Dropped)
	})

	t.Run("cancelled by the producer", func(t *testing.T) {
		o := startOutput(t)
		s := &sink{gate: make(chan struct{})}
		connectInput(t, o, s, func(c *InputConfig) { c.OnSlowness = Wait })
		waitConnections(t, o, 1)
		defer close(s.gate)

		write(t, o, 1, 2, 3)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := o.Write(ctx, hash.New().Put("i", int32(4)))
		assert.Equal(t, errors.Cancelled, errors.KindOf(err))
	})
}

func TestOutput_Update(t *testing.T) {
	o := startOutput(t)
	require.NoError(t, o.Update(context.Background()), "no inputs, nothing to flush")

	s := &sink{gate: make(chan struct{})}
	connectInput(t, o, s, func(c *InputConfig) { c.OnSlowness = Queue })
	waitConnections(t, o, 1)
	write(t, o, 1, 2, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := o.Update(ctx)
	assert.Equal(t, errors.Cancelled, errors.KindOf(err))

	close(s.gate)
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Update(ctx))
	eventuallyValues(t, s, []int32{1, 2, 3})
}

func TestOutput_CopyIsLossless(t *testing.T) {
	o := startOutput(t)
	a, b := &sink{}, &sink{}
	connectInput(t, o, a, func(c *InputConfig) { c.OnSlowness = Wait; c.InstanceID = "A:input" })
	connectInput(t, o, b, func(c *InputConfig) { c.OnSlowness = Wait; c.InstanceID = "B:input" })
	waitConnections(t, o, 2)

	var want []int32
	for i := range int32(50) {
		want = append(want, i)
	}
	write(t, o, want...)
	eventuallyValues(t, a, want)
	eventuallyValues(t, b, want)
}

func TestOutput_SharedRoundRobin(t *testing.T) {
	o := startOutput(t, func(c *OutputConfig) { c.NoInputShared = Wait })
	a, b := &sink{}, &sink{}
	shared := func(id string) func(*InputConfig) {
		return func(c *InputConfig) {
			c.InstanceID = id
			c.DataDistribution = Shared
			c.OnSlowness = Wait
		}
	}
	connectInput(t, o, a, shared("A:input"))
	connectInput(t, o, b, shared("B:input"))
	waitConnections(t, o, 2)

	var want []int32
	for i := range int32(20) {
		want = append(want, i)
	}
	write(t, o, want...)

	require.Eventually(t, func() bool { return len(a.values())+len(b.values()) == len(want) },
		5*time.Second, 5*time.Millisecond)
	got := append(a.values(), b.values()...)
	slices.Sort(got)
	assert.Equal(t, want, got)
	assert.NotEmpty(t, a.values())
	assert.NotEmpty(t, b.values())
	// Each input still sees its share in order.
	assert.True(t, slices.IsSorted(a.values()))
	assert.True(t, slices.IsSorted(b.values()))
}

func TestOutput_NoInputSharedThrow(t *testing.T) {
	o := startOutput(t, func(c *OutputConfig) { c.NoInputShared = Throw })
	s := &sink{gate: make(chan struct{})}
	connectInput(t, o, s, func(c *InputConfig) { c.DataDistribution = Shared })
	waitConnections(t, o, 1)
	defer close(s.gate)

	write(t, o, 1, 2, 3)
	err := o.Write(context.Background(), hash.New().Put("i", int32(4)))
	assert.Equal(t, errors.Backpressure, errors.KindOf(err))
}

func TestInput_EndOfStream(t *testing.T) {
	t.Run("single output", func(t *testing.T) {
		o := startOutput(t)
		s := &sink{}
		connectInput(t, o, s, func(c *InputConfig) { c.OnSlowness = Wait })
		waitConnections(t, o, 1)

		write(t, o, 1, 2, 3)
		require.NoError(t, o.WriteEndOfStream(context.Background()))
		require.Eventually(t, func() bool { return len(s.ends()) == 1 }, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, []int{3}, s.ends())
		assert.Positive(t, s.avail.Load())
	})

	t.Run("waits for every output", func(t *testing.T) {
		o1 := startOutput(t)
		o2 := startOutput(t, func(c *OutputConfig) { c.DeviceID = "O2" })
		s := &sink{}
		in := NewInputChannel(InputConfig{InstanceID: "I:input", Handlers: s.handlers()})
		t.Cleanup(func() { _ = in.Close() })
		require.NoError(t, in.ConnectEndpoint("O:output", Endpoint{Host: "127.0.0.1", Port: o1.Port()}))
		require.NoError(t, in.ConnectEndpoint("O2:output", Endpoint{Host: "127.0.0.1", Port: o2.Port()}))
		waitConnections(t, o1, 1)
		waitConnections(t, o2, 1)
		require.Eventually(t, func() bool { return in.Connected("O:output") && in.Connected("O2:output") },
			5*time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"O2:output", "O:output"}, in.Outputs())

		require.NoError(t, o1.WriteEndOfStream(context.Background()))
		time.Sleep(100 * time.Millisecond)
		assert.Empty(t, s.ends())

		require.NoError(t, o2.WriteEndOfStream(context.Background()))
		require.Eventually(t, func() bool { return len(s.ends()) == 1 }, 5*time.Second, 5*time.Millisecond)
	})
}

func TestInput_Reconnects(t *testing.T) {
	first := startOutput(t)
	var ep atomic.Value
	ep.Store(Endpoint{Host: "127.0.0.1", Port: first.Port()})

	s := &sink{}
	var connects atomic.Int32
	handlers := s.handlers()
	handlers.OnConnect = func(string) { connects.Add(1) }
	in := NewInputChannel(InputConfig{
		InstanceID: "I:input",
		OnSlowness: Wait,
		Handlers:   handlers,
		Resolver: func(context.Context, string) (Endpoint, error) {
			return ep.Load().(Endpoint), nil
		},
		Reconnect: &retry.Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2},
	})
	t.Cleanup(func() { _ = in.Close() })
	require.NoError(t, in.Connect("O:output"))
	waitConnections(t, first, 1)
	write(t, first, 1)
	eventuallyValues(t, s, []int32{1})

	require.NoError(t, first.Close())
	second := startOutput(t)
	ep.Store(Endpoint{Host: "127.0.0.1", Port: second.Port()})
	waitConnections(t, second, 1)
	write(t, second, 2)
	eventuallyValues(t, s, []int32{1, 2})
	assert.GreaterOrEqual(t, connects.Load(), int32(2))

	in.Disconnect("O:output")
	waitConnections(t, second, 0)
	assert.Empty(t, in.Outputs())
}

func TestInput_ConnectWithoutResolver(t *testing.T) {
	in := NewInputChannel(InputConfig{InstanceID: "I:input"})
	defer in.Close()
	assert.Error(t, in.Connect("O:output"))
}

func TestSplitOutput(t *testing.T) {
	tests := []struct {
		in      string
		device  string
		channel string
		ok      bool
	}{
		{"cam/1:output", "cam/1", "output", true},
		{"cam", "", "", false},
		{":output", "", "", false},
		{"cam:", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, c, err := SplitOutput(tt.in)
			if !tt.ok {
				assert.Equal(t, errors.Format, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.device, d)
			assert.Equal(t, tt.channel, c)
		})
	}
}

func newInstance(t *testing.T, id string) *signalslot.SignalSlotable {
	t.Helper()
	reg := broker.NewRegistry()
	require.NoError(t, membroker.Register(reg))
	session, err := broker.Connect(context.Background(), reg, broker.Config{
		URLs:  []string{"mem://" + t.Name()},
		Topic: "karabo",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	s := signalslot.New(session, signalslot.Config{
		InstanceID:     id,
		PingTimeout:    -1,
		RequestTimeout: 2 * time.Second,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestSlotResolver(t *testing.T) {
	o := startOutput(t)
	outputs := NewRegistry()
	outputs.Add(o)

	dev := newInstance(t, "O")
	dev.SetOutputChannels(outputs.Lookup)
	client := newInstance(t, "I")
	resolve := SlotResolver(client)

	ctx := context.Background()
	ep, err := resolve(ctx, "O:output")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Host: "127.0.0.1", Port: o.Port()}, ep)

	_, err = resolve(ctx, "O:missing")
	assert.Equal(t, errors.TargetGone, errors.KindOf(err))

	_, err = resolve(ctx, "nochannel")
	assert.Equal(t, errors.Format, errors.KindOf(err))

	// End to end: the input finds the output through the broker.
	s := &sink{}
	in := NewInputChannel(InputConfig{InstanceID: "I:input", Handlers: s.handlers(), Resolver: resolve})
	t.Cleanup(func() { _ = in.Close() })
	require.NoError(t, in.Connect("O:output"))
	waitConnections(t, o, 1)
	write(t, o, 9)
	eventuallyValues(t, s, []int32{9})
}
