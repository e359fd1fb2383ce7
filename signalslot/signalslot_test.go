package signalslot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/broker/membroker"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/topology"
)

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

func newInstance(t *testing.T, id string, mutate ...func(*Config)) *SignalSlotable {
	t.Helper()
	cfg := Config{
		InstanceID:     id,
		PingTimeout:    -1,
		RequestTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return New(newSession(t), cfg)
}

func start(t *testing.T, s *SignalSlotable) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
}

// logSink collects log output from concurrent goroutines.
type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logSink) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Count(l.buf.String(), msg)
}

type recorder struct {
	mu   sync.Mutex
	vals []int32
}

func (r *recorder) slot(_ context.Context, args Args) ([]any, error) {
	v, err := Arg[int32](args, 0)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.vals = append(r.vals, v)
	r.mu.Unlock()
	return nil, nil
}

func (r *recorder) values() []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int32(nil), r.vals...)
}

func add(_ context.Context, args Args) ([]any, error) {
	a, err := Arg[int32](args, 0)
	if err != nil {
		return nil, err
	}
	b, err := Arg[int32](args, 1)
	if err != nil {
		return nil, err
	}
	return []any{a + b}, nil
}

func TestParseSlotFunctions(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string][]string
	}{
		{"single", "|dev:slotA|", map[string][]string{"dev": {"slotA"}}},
		{"several", "|dev:slotA,slotB||dev2:slotC|", map[string][]string{"dev": {"slotA", "slotB"}, "dev2": {"slotC"}}},
		{"broadcast", "|*:slotInstanceNew|", map[string][]string{"*": {"slotInstanceNew"}}},
		{"garbage ignored", "||nocolon|", map[string][]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSlotFunctions(tt.in))
		})
	}
	assert.Equal(t, "|a:x,y||b:z|", formatSlotFunctions([]string{"a", "b"}, map[string][]string{"a": {"x", "y"}, "b": {"z"}}))
}

func TestArg(t *testing.T) {
	args := Args{int64(42), "text", hash.New().Put("k", true)}

	n, err := Arg[int32](args, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(42), n)

	_, err = Arg[bool](args, 1)
	assert.Equal(t, errors.Conversion, errors.KindOf(err))

	_, err = Arg[string](args, 5)
	assert.Equal(t, errors.ArityError, errors.KindOf(err))

	h, err := Arg[*hash.Hash](args, 2)
	require.NoError(t, err)
	assert.True(t, h.Has("k"))
}

func TestStart_RejectsInvalidID(t *testing.T) {
	s := New(newSession(t), Config{InstanceID: "bad id!", PingTimeout: -1})
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRequest_Correlation(t *testing.T) {
	callee := newInstance(t, "callee")
	callee.RegisterSlot("add", add, WithArity(2))
	start(t, callee)
	caller := newInstance(t, "caller")
	start(t, caller)

	const k = 25
	var wg sync.WaitGroup
	results := make([]int32, k)
	errs := make([]error, k)
	for i := range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			args, err := caller.Request(context.Background(), "callee", "add", int32(i), int32(1000)).Wait(context.Background())
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = Arg[int32](args, 0)
		}()
	}
	wg.Wait()
	for i := range k {
		require.NoError(t, errs[i])
		assert.Equal(t, int32(i+1000), results[i])
	}
	assert.Zero(t, caller.Pending())
}

func TestRequest_Errors(t *testing.T) {
	callee := newInstance(t, "callee")
	callee.RegisterSlot("add", add, WithArity(2))
	callee.RegisterSlot("fail", func(context.Context, Args) ([]any, error) {
		return nil, fmt.Errorf("motor stalled")
	})
	callee.RegisterSlot("gate", func(context.Context, Args) ([]any, error) {
		return nil, errors.New(errors.StateViolation, "not allowed in OFF")
	})
	callee.RegisterSlot("boom", func(context.Context, Args) ([]any, error) {
		panic("kaboom")
	})
	start(t, callee)
	caller := newInstance(t, "caller")
	start(t, caller)

	tests := []struct {
		name    string
		slot    string
		args    []any
		kind    errors.Kind
		details string
	}{
		{"arity", "add", []any{int32(1)}, errors.ArityError, "takes 2 arguments, got 1"},
		{"unknown slot", "nope", nil, errors.SlotUnknown, "no slot"},
		{"plain error travels as remote-error", "fail", nil, errors.RemoteError, "motor stalled"},
		{"kind survives the wire", "gate", nil, errors.StateViolation, "not allowed in OFF"},
		{"panic", "boom", nil, errors.RemoteError, "kaboom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := caller.Request(context.Background(), "callee", tt.slot, tt.args...).Wait(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))
			assert.Contains(t, errors.Details(err), tt.details)
		})
	}
}

func TestRequest_Timeout(t *testing.T) {
	caller := newInstance(t, "caller")
	start(t, caller)

	begin := time.Now()
	_, err := caller.Request(context.Background(), "ghost", "slotPing", "ghost", int32(0), false).
		WithTimeout(100 * time.Millisecond).
		Wait(context.Background())
	elapsed := time.Since(begin)

	require.Error(t, err)
	assert.Equal(t, errors.Timeout, errors.KindOf(err))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, caller.Pending())
}

func TestRequest_CancelledOnStop(t *testing.T) {
	caller := newInstance(t, "caller")
	require.NoError(t, caller.Start(context.Background()))

	r := caller.Request(context.Background(), "ghost", "anything").WithTimeout(time.Minute)
	require.NoError(t, caller.Stop(context.Background()))

	_, err := r.Wait(context.Background())
	assert.Equal(t, errors.Cancelled, errors.KindOf(err))
}

func TestRequest_TargetGone(t *testing.T) {
	caller := newInstance(t, "caller")
	start(t, caller)
	caller.Topology().InstanceNew("ghost", hash.From("type", "device"))

	r := caller.Request(context.Background(), "ghost", "anything").WithTimeout(time.Minute)
	caller.Topology().InstanceGone("ghost")

	_, err := r.Wait(context.Background())
	assert.Equal(t, errors.TargetGone, errors.KindOf(err))
}

func TestRequest_FailsOnTransportDown(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	caller := newInstance(t, "caller", func(c *Config) {
		c.OnError = func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}
	})
	start(t, caller)

	r := caller.Request(context.Background(), "nobody", "slotPing").WithTimeout(time.Minute)
	hub := membroker.Open(t.Name())
	hub.SetAvailable(false)
	hub.Drop()

	begin := time.Now()
	_, err := r.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.TransportDown, errors.KindOf(err))
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Zero(t, caller.Pending())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, reported)
	assert.Equal(t, errors.TransportDown, errors.KindOf(reported[0]))
}

func TestStop_RemovesTransportErrorHandler(t *testing.T) {
	var mu sync.Mutex
	count := 0
	caller := newInstance(t, "caller", func(c *Config) {
		c.OnError = func(error) {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})
	require.NoError(t, caller.Start(context.Background()))
	require.NoError(t, caller.Stop(context.Background()))

	seen := make(chan struct{}, 1)
	caller.Session().AddErrorHandler(func(error) {
		select {
		case seen <- struct{}{}:
		default:
		}
	})
	membroker.Open(t.Name()).Drop()
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("session did not report the dropped connection")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestReply_CancelDropsLateAnswer(t *testing.T) {
	release := make(chan struct{})
	callee := newInstance(t, "callee")
	callee.RegisterSlot("slow", func(context.Context, Args) ([]any, error) {
		<-release
		return []any{int32(1)}, nil
	})
	start(t, callee)
	caller := newInstance(t, "caller")
	start(t, caller)

	r := caller.Request(context.Background(), "callee", "slow")
	r.Cancel()
	close(release)

	_, err := r.Wait(context.Background())
	assert.Equal(t, errors.Cancelled, errors.KindOf(err))
	assert.Zero(t, caller.Pending())
}

func TestWait_NestsInsideSlot(t *testing.T) {
	s := newInstance(t, "nested")
	s.RegisterSlot("inner", func(context.Context, Args) ([]any, error) {
		return []any{"inner"}, nil
	})
	s.RegisterSlot("outer", func(ctx context.Context, _ Args) ([]any, error) {
		args, err := s.Request(ctx, s.ID(), "inner").Wait(ctx)
		if err != nil {
			return nil, err
		}
		v, _ := Arg[string](args, 0)
		return []any{"outer+" + v + "+" + Sender(ctx)}, nil
	})
	start(t, s)
	caller := newInstance(t, "caller")
	start(t, caller)

	args, err := caller.Request(context.Background(), "nested", "outer").Wait(context.Background())
	require.NoError(t, err)
	v, _ := Arg[string](args, 0)
	assert.Equal(t, "outer+inner+caller", v)
}

func TestStart_DuplicateID(t *testing.T) {
	first := newInstance(t, "twin")
	start(t, first)

	second := newInstance(t, "twin", func(c *Config) { c.PingTimeout = 300 * time.Millisecond })
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.IDInUse, errors.KindOf(err))
}

func TestStart_UniqueIDPassesPing(t *testing.T) {
	s := newInstance(t, "single", func(c *Config) { c.PingTimeout = 100 * time.Millisecond })
	start(t, s)
}

// A subscriber connected before the emitter exists receives emissions once
// the emitter starts, and again after the emitter restarts.
func TestConnect_SurvivesEmitterRestart(t *testing.T) {
	rec := &recorder{}
	q := newInstance(t, "Q")
	q.RegisterSlot("r", rec.slot, WithArity(1))
	start(t, q)
	require.NoError(t, q.Connect(context.Background(), "P", "s", "r"))

	startP := func() *SignalSlotable {
		p := newInstance(t, "P")
		p.RegisterSignal("s")
		require.NoError(t, p.Start(context.Background()))
		require.Eventually(t, func() bool {
			subs := p.Subscribers("s")
			return len(subs) == 1 && subs[0] == "Q:r"
		}, 2*time.Second, 5*time.Millisecond)
		return p
	}

	p := startP()
	p.Emit("s", int32(42))
	require.Eventually(t, func() bool { return len(rec.values()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))

	p = startP()
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	p.Emit("s", int32(7))
	require.Eventually(t, func() bool { return len(rec.values()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{42, 7}, rec.values())
}

func TestEmit_Ordering(t *testing.T) {
	rec := &recorder{}
	q := newInstance(t, "Q")
	q.RegisterSlot("r", rec.slot, WithArity(1))
	start(t, q)
	p := newInstance(t, "P")
	p.RegisterSignal("s")
	start(t, p)

	require.Eventually(t, func() bool { return q.Topology().Has("P") }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, q.Connect(context.Background(), "P", "s", "r"))

	const n = 200
	for i := range n {
		p.Emit("s", int32(i))
	}
	require.Eventually(t, func() bool { return len(rec.values()) == n }, 5*time.Second, 5*time.Millisecond)
	for i, v := range rec.values() {
		require.Equal(t, int32(i), v)
	}
}

func TestConnect_Failures(t *testing.T) {
	q := newInstance(t, "Q")
	q.RegisterSlot("r", (&recorder{}).slot)
	start(t, q)
	p := newInstance(t, "P")
	p.RegisterSignal("s")
	start(t, p)
	require.Eventually(t, func() bool { return q.Topology().Has("P") }, 2*time.Second, 5*time.Millisecond)

	err := q.Connect(context.Background(), "P", "s", "missing")
	assert.Equal(t, errors.SlotUnknown, errors.KindOf(err))

	err = q.Connect(context.Background(), "P", "nosuch", "r")
	assert.Equal(t, errors.SlotUnknown, errors.KindOf(err))

	type outcome struct{ msg, details string }
	done := make(chan outcome, 1)
	q.AsyncConnect("P", "s", "r", func(msg, details string) { done <- outcome{msg, details} })
	select {
	case o := <-done:
		assert.Empty(t, o.msg)
	case <-time.After(2 * time.Second):
		t.Fatal("async connect did not complete")
	}
	assert.Equal(t, []string{"Q:r"}, p.Subscribers("s"))

	q.AsyncDisconnect("P", "s", "r", func(msg, details string) { done <- outcome{msg, details} })
	o := <-done
	assert.Empty(t, o.msg)
	assert.Empty(t, p.Subscribers("s"))
}

func TestEmit_SlowPeerDropsOldest(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	rec := &recorder{}
	drops := &recorder{}

	logs := &logSink{}
	q := newInstance(t, "Q", func(c *Config) {
		c.MaxQueuedPerPeer = 2
		c.Logger = slog.New(slog.NewTextHandler(logs, nil))
	})
	q.RegisterSlot("slow", func(ctx context.Context, args Args) ([]any, error) {
		v, _ := Arg[int32](args, 0)
		if v == 0 {
			entered <- struct{}{}
			<-release
		}
		return rec.slot(ctx, args)
	})
	q.RegisterSlot("onDrop", func(_ context.Context, args Args) ([]any, error) {
		return drops.slot(context.Background(), args[2:])
	})
	start(t, q)
	require.NoError(t, q.Connect(context.Background(), q.ID(), SignalSignalDrop, "onDrop"))

	p := newInstance(t, "P")
	p.RegisterSignal("s")
	start(t, p)
	require.Eventually(t, func() bool { return q.Topology().Has("P") }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, q.Connect(context.Background(), "P", "s", "slow"))

	p.Emit("s", int32(0))
	<-entered
	for i := 1; i < 10; i++ {
		p.Emit("s", int32(i))
	}
	require.Eventually(t, func() bool { return q.Dropped() == 7 }, 2*time.Second, 5*time.Millisecond)
	warnings := logs.count("Dropped inbound messages")
	assert.GreaterOrEqual(t, warnings, 1)
	assert.Less(t, warnings, 7, "drop warnings are rate limited")
	stats := q.DispatchStats()
	assert.Equal(t, uint64(7), stats.Dropped)
	assert.GreaterOrEqual(t, stats.Queued, 2, "8 and 9 wait behind the blocked slot")
	assert.GreaterOrEqual(t, stats.Peers, 1)
	assert.Equal(t, DefaultParallelWorkers, stats.Parallel.Workers)
	close(release)

	require.Eventually(t, func() bool { return len(rec.values()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{0, 8, 9}, rec.values())
	require.Eventually(t, func() bool {
		total := int32(0)
		for _, n := range drops.values() {
			total += n
		}
		return total == 7
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := q.DispatchStats()
		return st.Queued == 0 && st.Peers == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTopology_TracksPeers(t *testing.T) {
	a := newInstance(t, "A", func(c *Config) {
		c.Type = topology.Device
		c.Info = hash.From("serverId", "srv")
	})
	start(t, a)

	c := newInstance(t, "C")
	start(t, c)

	// A started before C, so C only learns about it through discovery.
	require.NoError(t, c.Discover(context.Background()))
	require.Eventually(t, func() bool { return c.Topology().Has("A") }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A"}, c.Topology().Devices("srv"))

	a.UpdateInstanceInfo(hash.From("status", "ok"))
	require.Eventually(t, func() bool {
		info, _ := c.Topology().Get("A")
		v, _ := info.Get("status")
		return v == "ok"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stop(context.Background()))
	require.Eventually(t, func() bool { return !c.Topology().Has("A") }, 2*time.Second, 5*time.Millisecond)
}

func TestHeartbeat_ExpiresSilentPeer(t *testing.T) {
	watcher := newInstance(t, "watcher", func(c *Config) { c.HeartbeatJitter = 50 * time.Millisecond })
	start(t, watcher)
	gone := make(chan bool, 1)
	watcher.TrackInstances(topology.Tracker{
		Gone: func(id string, _ *hash.Hash, synthetic bool) {
			if id == "beater" {
				select {
				case gone <- synthetic:
				default:
				}
			}
		},
	})

	beater := newInstance(t, "beater", func(c *Config) { c.HeartbeatInterval = 40 * time.Millisecond })
	start(t, beater)
	require.Eventually(t, func() bool { return watcher.Topology().Has("beater") }, 2*time.Second, 5*time.Millisecond)

	// Still there after several intervals thanks to the heartbeats.
	time.Sleep(300 * time.Millisecond)
	require.True(t, watcher.Topology().Has("beater"))

	// Silence the heartbeats without announcing instanceGone.
	beater.cancel()
	select {
	case synthetic := <-gone:
		assert.True(t, synthetic)
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer was not expired")
	}
}

func TestSlotGetOutputChannelInformation(t *testing.T) {
	dev := newInstance(t, "dev")
	dev.SetOutputChannels(func(name string) (*hash.Hash, bool) {
		if name != "output" {
			return nil, false
		}
		return hash.From("hostname", "localhost", "port", uint32(4711)), true
	})
	start(t, dev)
	caller := newInstance(t, "caller")
	start(t, caller)

	args, err := caller.Request(context.Background(), "dev", "slotGetOutputChannelInformation", "output", int32(0)).Wait(context.Background())
	require.NoError(t, err)
	ok, _ := Arg[bool](args, 0)
	assert.True(t, ok)
	info, _ := Arg[*hash.Hash](args, 1)
	port, _ := info.Get("port")
	assert.Equal(t, uint32(4711), port)

	args, err = caller.Request(context.Background(), "dev", "slotGetOutputChannelInformation", "other", int32(0)).Wait(context.Background())
	require.NoError(t, err)
	ok, _ = Arg[bool](args, 0)
	assert.False(t, ok)

	args, err = caller.Request(context.Background(), "dev", "slotHasSlot", "slotPing").Wait(context.Background())
	require.NoError(t, err)
	ok, _ = Arg[bool](args, 0)
	assert.True(t, ok)
}
