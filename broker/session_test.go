package broker_test

import (
	"context"
	"fmt"
	"strings"
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
)

func newRegistry(t *testing.T) *broker.Registry {
	t.Helper()
	reg := broker.NewRegistry()
	require.NoError(t, membroker.Register(reg))
	return reg
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: retry.Unlimited, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
}

type collector struct {
	mu   sync.Mutex
	msgs []*broker.Message
}

func (c *collector) add(m *broker.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) values() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int32, 0, len(c.msgs))
	for _, m := range c.msgs {
		v, _ := m.Body.Get("a1")
		out = append(out, v.(int32))
	}
	return out
}

func message(to string, n int32) *broker.Message {
	return &broker.Message{
		Header: hash.From(broker.HeaderSlotInstanceIDs, to, broker.HeaderSignalInstanceID, "sender"),
		Body:   hash.From("a1", n),
	}
}

func TestConnect_Failover(t *testing.T) {
	reg := newRegistry(t)
	down := membroker.Open(t.Name() + "-down")
	down.SetAvailable(false)
	membroker.Open(t.Name() + "-up")

	var statuses []broker.Status
	s, err := broker.Connect(context.Background(), reg, broker.Config{
		URLs:           []string{"bogus://x", "mem://" + t.Name() + "-down", "mem://" + t.Name() + "-up"},
		Topic:          "karabo",
		OnStatusChange: func(st broker.Status) { statuses = append(statuses, st) },
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, broker.StatusConnected, s.Status())
	assert.Equal(t, "mem", s.Scheme())
	assert.Equal(t, []broker.Status{broker.StatusConnecting, broker.StatusConnected}, statuses)
}

func TestConnect_NoBroker(t *testing.T) {
	reg := newRegistry(t)
	down := membroker.Open(t.Name())
	down.SetAvailable(false)

	tests := []struct {
		name string
		urls []string
	}{
		{"empty list", nil},
		{"unknown scheme", []string{"gopher://host"}},
		{"all unreachable", []string{"mem://" + t.Name()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := broker.Connect(context.Background(), reg, broker.Config{URLs: tt.urls})
			require.Error(t, err)
			assert.Equal(t, errors.TransportDown, errors.KindOf(err))
		})
	}
}

func TestPublishSubscribe_Routes(t *testing.T) {
	reg := newRegistry(t)
	url := "mem://" + t.Name()
	ctx := context.Background()

	a, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{url}, Topic: "t"})
	require.NoError(t, err)
	defer a.Close()
	b, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{url}, Topic: "t"})
	require.NoError(t, err)
	defer b.Close()
	other, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{url}, Topic: "other"})
	require.NoError(t, err)
	defer other.Close()

	var gotA, gotB, gotAll, gotOther collector
	_, err = a.Subscribe(broker.InstanceRoute("A"), gotA.add)
	require.NoError(t, err)
	_, err = b.Subscribe(broker.InstanceRoute("B"), gotB.add)
	require.NoError(t, err)
	_, err = b.Subscribe(broker.BroadcastRoute(), gotAll.add)
	require.NoError(t, err)
	_, err = other.Subscribe(broker.BroadcastRoute(), gotOther.add)
	require.NoError(t, err)

	require.NoError(t, a.Publish(ctx, message("|A|B|", 1)))
	require.NoError(t, a.Publish(ctx, message("*", 2)))
	require.NoError(t, a.Publish(ctx, message("|B|", 3)))

	assert.Eventually(t, func() bool {
		return len(gotA.values()) == 1 && len(gotB.values()) == 2 && len(gotAll.values()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{1}, gotA.values())
	assert.Equal(t, []int32{1, 3}, gotB.values())
	assert.Equal(t, []int32{2}, gotAll.values())
	assert.Empty(t, gotOther.values())

	err = a.Publish(ctx, &broker.Message{Header: hash.New(), Body: hash.New()})
	assert.Equal(t, errors.Format, errors.KindOf(err))
}

func TestReconnect_ResubscribesAndReplaysInOrder(t *testing.T) {
	reg := newRegistry(t)
	hub := membroker.Open(t.Name())
	ctx := context.Background()

	// The sender dials through a gate so it can stay offline while the
	// receiver is already back.
	var gate atomic.Bool
	gate.Store(true)
	require.NoError(t, reg.Register(broker.Registration{
		Scheme: "gated",
		Driver: broker.DriverFunc(func(ctx context.Context, ep broker.Endpoint) (broker.Conn, error) {
			if !gate.Load() {
				return nil, fmt.Errorf("gate closed")
			}
			ep.URL = strings.Replace(ep.URL, "gated://", "mem://", 1)
			return membroker.Driver{}.Dial(ctx, ep)
		}),
	}))

	var transportErrs []error
	var mu sync.Mutex
	sender, err := broker.Connect(ctx, reg, broker.Config{
		URLs:  []string{"gated://" + t.Name()},
		Retry: fastRetry(),
		OnError: func(err error) {
			mu.Lock()
			transportErrs = append(transportErrs, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{"mem://" + t.Name()}, Retry: fastRetry()})
	require.NoError(t, err)
	defer receiver.Close()

	var got collector
	_, err = receiver.Subscribe(broker.InstanceRoute("R"), got.add)
	require.NoError(t, err)

	require.NoError(t, sender.Publish(ctx, message("|R|", 1)))
	require.Eventually(t, func() bool { return len(got.values()) == 1 }, time.Second, 5*time.Millisecond)

	gate.Store(false)
	hub.Drop()
	require.Eventually(t, func() bool { return sender.Status() == broker.StatusReconnecting }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return hub.Connections() == 1 && receiver.Status() == broker.StatusConnected
	}, time.Second, time.Millisecond)

	for i := int32(2); i <= 4; i++ {
		require.NoError(t, sender.Publish(ctx, message("|R|", i)))
	}
	assert.Equal(t, 3, sender.Buffered())

	gate.Store(true)
	require.Eventually(t, func() bool { return sender.Status() == broker.StatusConnected }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sender.Buffered())
	require.NoError(t, sender.Publish(ctx, message("|R|", 5)))

	require.Eventually(t, func() bool { return len(got.values()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, got.values())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transportErrs)
	assert.Equal(t, errors.TransportDown, errors.KindOf(transportErrs[0]))
}

func TestPublish_Overrun(t *testing.T) {
	reg := newRegistry(t)
	hub := membroker.Open(t.Name())
	ctx := context.Background()

	var overruns int
	var mu sync.Mutex
	s, err := broker.Connect(ctx, reg, broker.Config{
		URLs:                []string{"mem://" + t.Name()},
		MaxBufferedMessages: 2,
		Retry:               fastRetry(),
		OnError: func(err error) {
			if errors.KindOf(err) == errors.TransportOverrun {
				mu.Lock()
				overruns++
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	defer s.Close()

	hub.SetAvailable(false)
	hub.Drop()
	require.Eventually(t, func() bool { return s.Status() == broker.StatusReconnecting }, time.Second, time.Millisecond)

	for i := int32(1); i <= 2; i++ {
		require.NoError(t, s.Publish(ctx, message("|X|", i)))
	}
	err = s.Publish(ctx, message("|X|", 3))
	assert.Equal(t, errors.TransportOverrun, errors.KindOf(err))
	assert.ErrorIs(t, err, errors.ErrQueueFull)

	mu.Lock()
	assert.Equal(t, 1, overruns)
	mu.Unlock()
	assert.Equal(t, 2, s.Buffered())
}

func TestClose(t *testing.T) {
	reg := newRegistry(t)
	hub := membroker.Open(t.Name())
	s, err := broker.Connect(context.Background(), reg, broker.Config{URLs: []string{"mem://" + t.Name()}})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Connections())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, broker.StatusClosed, s.Status())
	assert.Equal(t, 0, hub.Connections())

	err = s.Publish(context.Background(), message("|A|", 1))
	assert.Equal(t, errors.TransportDown, errors.KindOf(err))
	_, err = s.Subscribe(broker.InstanceRoute("A"), func(*broker.Message) {})
	assert.Equal(t, errors.TransportDown, errors.KindOf(err))
}

func TestSelectors(t *testing.T) {
	tests := []struct {
		sel      string
		ids      []string
		everyone bool
	}{
		{"*", nil, true},
		{"|a|b|", []string{"a", "b"}, false},
		{"a", []string{"a"}, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.sel), func(t *testing.T) {
			ids, everyone := broker.SplitIDs(tt.sel)
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, tt.everyone, everyone)
		})
	}
	assert.Equal(t, "|a|b|", broker.JoinIDs("a", "b"))
	assert.Equal(t, []string{"amqp://h:1", "mqtt://h:2"}, broker.ParseURLs(" amqp://h:1, ,mqtt://h:2"))
}

func TestFrame(t *testing.T) {
	m := message("|A|", 9)
	data, err := broker.EncodeFrame(codec.Encoder{}, m)
	require.NoError(t, err)
	got, err := broker.DecodeFrame(codec.Decoder{}, data)
	require.NoError(t, err)
	assert.True(t, m.Header.Equal(got.Header))
	assert.True(t, m.Body.Equal(got.Body))

	_, err = broker.DecodeFrame(codec.Decoder{}, data[:3])
	assert.Equal(t, errors.Format, errors.KindOf(err))
	_, err = broker.DecodeFrame(codec.Decoder{}, []byte{0xff, 0, 0, 0, 1})
	assert.Equal(t, errors.Format, errors.KindOf(err))
}

// flakyConn fails publishes while fail is set.
type flakyConn struct {
	broker.Conn
	fail *atomic.Bool
}

func (c flakyConn) Publish(ctx context.Context, route broker.Route, payload []byte) error {
	if c.fail.Load() {
		return fmt.Errorf("publish refused")
	}
	return c.Conn.Publish(ctx, route, payload)
}

func registerFlaky(t *testing.T, reg *broker.Registry, fail *atomic.Bool) {
	t.Helper()
	require.NoError(t, reg.Register(broker.Registration{
		Scheme: "flaky",
		Driver: broker.DriverFunc(func(ctx context.Context, ep broker.Endpoint) (broker.Conn, error) {
			ep.URL = strings.Replace(ep.URL, "flaky://", "mem://", 1)
			conn, err := membroker.Driver{}.Dial(ctx, ep)
			if err != nil {
				return nil, err
			}
			return flakyConn{Conn: conn, fail: fail}, nil
		}),
	}))
}

func TestPublish_FailureKeepsOrderWhileConnected(t *testing.T) {
	reg := newRegistry(t)
	membroker.Open(t.Name())
	ctx := context.Background()
	var fail atomic.Bool
	registerFlaky(t, reg, &fail)

	sender, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{"flaky://" + t.Name()}, Retry: fastRetry()})
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{"mem://" + t.Name()}, Retry: fastRetry()})
	require.NoError(t, err)
	defer receiver.Close()

	var got collector
	_, err = receiver.Subscribe(broker.InstanceRoute("R"), got.add)
	require.NoError(t, err)

	require.NoError(t, sender.Publish(ctx, message("|R|", 1)))
	fail.Store(true)
	require.NoError(t, sender.Publish(ctx, message("|R|", 2)))
	assert.Equal(t, broker.StatusConnected, sender.Status())
	assert.Equal(t, 1, sender.Buffered())

	fail.Store(false)
	require.NoError(t, sender.Publish(ctx, message("|R|", 3)))
	assert.Equal(t, 0, sender.Buffered())

	require.Eventually(t, func() bool { return len(got.values()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{1, 2, 3}, got.values())
}

func TestReconnect_InterruptedReplayStaysReconnecting(t *testing.T) {
	reg := newRegistry(t)
	hub := membroker.Open(t.Name())
	ctx := context.Background()
	var fail atomic.Bool
	registerFlaky(t, reg, &fail)

	sender, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{"flaky://" + t.Name()}, Retry: fastRetry()})
	require.NoError(t, err)
	defer sender.Close()
	receiver, err := broker.Connect(ctx, reg, broker.Config{URLs: []string{"mem://" + t.Name()}, Retry: fastRetry()})
	require.NoError(t, err)
	defer receiver.Close()

	var got collector
	_, err = receiver.Subscribe(broker.InstanceRoute("R"), got.add)
	require.NoError(t, err)

	fail.Store(true)
	require.NoError(t, sender.Publish(ctx, message("|R|", 1)))
	hub.Drop()
	require.Eventually(t, func() bool { return sender.Status() == broker.StatusReconnecting }, time.Second, time.Millisecond)
	require.NoError(t, sender.Publish(ctx, message("|R|", 2)))

	assert.Never(t, func() bool { return sender.Status() == broker.StatusConnected }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, sender.Buffered())
	require.Eventually(t, func() bool { return receiver.Status() == broker.StatusConnected }, time.Second, time.Millisecond)

	fail.Store(false)
	require.Eventually(t, func() bool { return sender.Status() == broker.StatusConnected }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sender.Publish(ctx, message("|R|", 3)))
	require.Eventually(t, func() bool { return len(got.values()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int32{1, 2, 3}, got.values())
}

func TestAddErrorHandler(t *testing.T) {
	reg := newRegistry(t)
	hub := membroker.Open(t.Name())
	s, err := broker.Connect(context.Background(), reg, broker.Config{URLs: []string{"mem://" + t.Name()}, Retry: fastRetry()})
	require.NoError(t, err)
	defer s.Close()

	var first, second atomic.Int32
	removeFirst := s.AddErrorHandler(func(err error) {
		if errors.KindOf(err) == errors.TransportDown {
			first.Add(1)
		}
	})
	s.AddErrorHandler(func(error) { second.Add(1) })
	removeFirst()

	hub.Drop()
	require.Eventually(t, func() bool { return second.Load() >= 1 }, time.Second, time.Millisecond)
	assert.Zero(t, first.Load())
}
