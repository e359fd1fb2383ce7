package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/karabo/codec"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/metric"
	"github.com/c360/karabo/pkg/buffer"
	"github.com/c360/karabo/pkg/retry"
)

// Status is the connection state of a Session.
type Status int

// Session states.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultMaxBufferedMessages bounds the outbound buffer used while the
// session is reconnecting.
const DefaultMaxBufferedMessages = 1000

// Config configures a Session.
type Config struct {
	// URLs are tried in order on connect and round-robin on reconnect.
	URLs []string
	// Topic is the domain: one broker-level topic per installation.
	Topic string
	// MaxBufferedMessages bounds what is kept for replay after a reconnect.
	MaxBufferedMessages int
	// MaxFrameBytes bounds inbound and outbound Hash frames.
	MaxFrameBytes int
	// Retry shapes the reconnect backoff. Zero means retry.Reconnect().
	Retry retry.Config

	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry

	// OnError receives transport-down and transport-overrun errors.
	OnError func(error)
	// OnStatusChange observes every status transition.
	OnStatusChange func(Status)
}

type outgoing struct {
	route   Route
	payload []byte
}

// Session is a broker connection with failover. While disconnected it
// buffers outgoing payloads; on reconnect it restores every subscription
// before replaying the buffer in FIFO order and admitting new publishes.
type Session struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger
	metrics  *metric.Metrics
	enc      codec.Encoder
	dec      codec.Decoder

	status atomic.Int32

	// pubMu orders publishes and the reconnect replay. Lock order: pubMu, mu.
	pubMu    sync.Mutex
	outbound buffer.Buffer[outgoing]

	mu      sync.Mutex
	conn    Conn
	scheme  string
	urlIdx  int
	subs    map[uint64]*Subscription
	nextSub uint64

	errMu       sync.Mutex
	errHandlers map[uint64]func(error)
	nextHandler uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Subscription is a session-level subscription. It survives reconnects.
type Subscription struct {
	id      uint64
	route   Route
	handler func(*Message)
	session *Session
	unsub   Unsubscriber
}

// Route returns the subscribed route.
func (s *Subscription) Route() Route { return s.route }

// Unsubscribe stops deliveries. It is idempotent.
func (s *Subscription) Unsubscribe() error {
	ss := s.session
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, ok := ss.subs[s.id]; !ok {
		return nil
	}
	delete(ss.subs, s.id)
	if s.unsub != nil {
		err := s.unsub.Unsubscribe()
		s.unsub = nil
		return err
	}
	return nil
}

// Connect opens a session on the first reachable URL of cfg.URLs. It fails
// with transport-down when none answers.
func Connect(ctx context.Context, registry *Registry, cfg Config) (*Session, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New(errors.TransportDown, "no broker urls configured")
	}
	if cfg.MaxBufferedMessages <= 0 {
		cfg.MaxBufferedMessages = DefaultMaxBufferedMessages
	}
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.Reconnect()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out, err := buffer.NewCircularBuffer(cfg.MaxBufferedMessages,
		buffer.WithOverflowPolicy[outgoing](buffer.Reject),
		buffer.WithMetrics[outgoing](cfg.MetricsRegistry, "broker_outbound"))
	if err != nil {
		return nil, errors.WrapFatal(err, "Session", "Connect", "create outbound buffer")
	}

	s := &Session{
		cfg:         cfg,
		registry:    registry,
		logger:      logger.With("component", "broker", "topic", cfg.Topic),
		metrics:     cfg.MetricsRegistry.CoreMetrics(),
		enc:         codec.Encoder{MaxFrameBytes: cfg.MaxFrameBytes},
		dec:         codec.Decoder{MaxFrameBytes: cfg.MaxFrameBytes},
		outbound:    out,
		subs:        make(map[uint64]*Subscription),
		errHandlers: make(map[uint64]func(error)),
	}
	s.setStatus(StatusConnecting)

	var lastErr error
	for i := range cfg.URLs {
		conn, scheme, err := s.dial(ctx, i)
		if err != nil {
			lastErr = err
			s.logger.Warn("Broker unreachable", "url", cfg.URLs[i], "error", err)
			continue
		}
		s.conn, s.scheme, s.urlIdx = conn, scheme, i
		break
	}
	if s.conn == nil {
		s.setStatus(StatusDisconnected)
		_ = out.Close()
		return nil, errors.WithKind(errors.TransportDown, lastErr, "no broker reachable")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setStatus(StatusConnected)
	s.logger.Info("Connected to broker", "url", cfg.URLs[s.urlIdx])

	s.wg.Add(1)
	go s.watch(s.conn)
	return s, nil
}

func (s *Session) dial(ctx context.Context, idx int) (Conn, string, error) {
	u := s.cfg.URLs[idx]
	drv, scheme, err := s.registry.Lookup(u)
	if err != nil {
		return nil, "", err
	}
	conn, err := drv.Dial(ctx, Endpoint{URL: u, Topic: s.cfg.Topic})
	if err != nil {
		return nil, scheme, errors.WrapTransient(err, "Session", "dial", "connect to "+u)
	}
	return conn, scheme, nil
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	return Status(s.status.Load())
}

// Scheme returns the URL scheme of the active connection.
func (s *Session) Scheme() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheme
}

// Topic returns the domain topic.
func (s *Session) Topic() string { return s.cfg.Topic }

// Buffered returns the number of payloads waiting for a reconnect.
func (s *Session) Buffered() int { return s.outbound.Size() }

func (s *Session) setStatus(st Status) {
	if Status(s.status.Swap(int32(st))) == st {
		return
	}
	s.metrics.RecordBrokerStatus(st == StatusConnected)
	if s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(st)
	}
}

// AddErrorHandler registers fn for every transport-down and
// transport-overrun error, next to Config.OnError. Every SignalSlotable
// sharing the session registers one. The returned function removes it.
func (s *Session) AddErrorHandler(fn func(error)) (remove func()) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.errHandlers[id] = fn
	return func() {
		s.errMu.Lock()
		delete(s.errHandlers, id)
		s.errMu.Unlock()
	}
}

func (s *Session) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
	s.errMu.Lock()
	handlers := make([]func(error), 0, len(s.errHandlers))
	for _, fn := range s.errHandlers {
		handlers = append(handlers, fn)
	}
	s.errMu.Unlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// watch waits for the connection to drop and drives the reconnect.
func (s *Session) watch(conn Conn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-conn.Lost():
			s.logger.Warn("Broker connection lost", "error", err)
			s.mu.Lock()
			s.conn = nil
			for _, sub := range s.subs {
				sub.unsub = nil
			}
			s.mu.Unlock()
			_ = conn.Close()
			s.setStatus(StatusReconnecting)
			s.reportError(errors.WithKind(errors.TransportDown, err, "broker connection lost"))

			next, ok := s.reconnect()
			if !ok {
				return
			}
			conn = next
		}
	}
}

func (s *Session) reconnect() (Conn, bool) {
	backoff := retry.NewBackoff(s.cfg.Retry)
	s.mu.Lock()
	idx := s.urlIdx
	s.mu.Unlock()
	for {
		idx = (idx + 1) % len(s.cfg.URLs)
		conn, scheme, err := s.dial(s.ctx, idx)
		if err == nil {
			if err = s.restore(conn, scheme, idx); err == nil {
				return conn, true
			}
		}
		s.logger.Debug("Reconnect attempt failed", "url", s.cfg.URLs[idx], "error", err)
		if err := backoff.Sleep(s.ctx); err != nil {
			return nil, false
		}
	}
}

// restore installs conn, resubscribes and replays the outbound buffer
// before any new publish is admitted. The session only reports connected
// once the buffer is empty; an interrupted replay drops conn and keeps the
// rest of the buffer for the next attempt.
func (s *Session) restore(conn Conn, scheme string, idx int) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.conn, s.scheme, s.urlIdx = conn, scheme, idx
	for _, sub := range s.subs {
		u, err := conn.Subscribe(sub.route, s.deliverer(sub, scheme))
		if err != nil {
			s.logger.Error("Resubscribe failed", "route", sub.route.String(), "error", err)
			continue
		}
		sub.unsub = u
	}
	s.mu.Unlock()

	replayed, err := s.flush(s.ctx, conn, scheme)
	if err != nil {
		s.logger.Warn("Replay interrupted", "replayed", replayed, "remaining", s.outbound.Size(), "error", err)
		s.mu.Lock()
		s.conn = nil
		for _, sub := range s.subs {
			sub.unsub = nil
		}
		s.mu.Unlock()
		_ = conn.Close()
		return err
	}

	s.metrics.RecordBrokerReconnect()
	s.setStatus(StatusConnected)
	s.logger.Info("Reconnected to broker", "url", s.cfg.URLs[idx], "replayed", replayed)
	return nil
}

// flush publishes the outbound buffer on conn in FIFO order and stops at
// the first failure, leaving that payload at the head. It must be called
// with pubMu held.
func (s *Session) flush(ctx context.Context, conn Conn, scheme string) (int, error) {
	n := 0
	for {
		item, ok := s.outbound.Peek()
		if !ok {
			return n, nil
		}
		if err := conn.Publish(ctx, item.route, item.payload); err != nil {
			return n, err
		}
		s.outbound.Read()
		s.metrics.RecordPublished(scheme)
		n++
	}
}

func (s *Session) deliverer(sub *Subscription, scheme string) func([]byte) {
	return func(payload []byte) {
		msg, err := DecodeFrame(s.dec, payload)
		if err != nil {
			s.logger.Warn("Dropping undecodable message", "route", sub.route.String(), "error", err)
			return
		}
		s.metrics.RecordReceived(scheme)
		sub.handler(msg)
	}
}

// Subscribe delivers every message published on route to handler. Handlers
// run on the driver's I/O goroutine and should only enqueue.
func (s *Session) Subscribe(route Route, handler func(*Message)) (*Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil handler"), "Session", "Subscribe", "validate handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status() == StatusClosed {
		return nil, errors.New(errors.TransportDown, "session closed")
	}
	s.nextSub++
	sub := &Subscription{id: s.nextSub, route: route, handler: handler, session: s}
	if s.conn != nil {
		u, err := s.conn.Subscribe(route, s.deliverer(sub, s.scheme))
		if err != nil {
			return nil, errors.WrapTransient(err, "Session", "Subscribe", "subscribe "+route.String())
		}
		sub.unsub = u
	}
	s.subs[sub.id] = sub
	return sub, nil
}

// Publish encodes m and sends it on every route its slotInstanceIds
// selector names. While disconnected the payload is buffered; when the
// buffer is full it is dropped and a transport-overrun error is returned
// and reported through OnError.
func (s *Session) Publish(ctx context.Context, m *Message) error {
	payload, err := EncodeFrame(s.enc, m)
	if err != nil {
		return err
	}
	routes := RoutesFor(m.Header)
	if len(routes) == 0 {
		return errors.New(errors.Format, "message has no slotInstanceIds")
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if s.Status() == StatusClosed {
		return errors.New(errors.TransportDown, "session closed")
	}
	for _, r := range routes {
		if err := s.send(ctx, r, payload); err != nil {
			return err
		}
	}
	return nil
}

// send must be called with pubMu held.
func (s *Session) send(ctx context.Context, route Route, payload []byte) error {
	s.mu.Lock()
	conn, scheme := s.conn, s.scheme
	s.mu.Unlock()

	// Buffered payloads go first so a failed publish is never overtaken.
	if conn != nil && s.Status() == StatusConnected {
		_, err := s.flush(ctx, conn, scheme)
		if err == nil {
			err = conn.Publish(ctx, route, payload)
		}
		if err == nil {
			s.metrics.RecordPublished(scheme)
			return nil
		}
		s.logger.Debug("Publish failed, buffering", "route", route.String(), "error", err)
	}

	if err := s.outbound.Write(outgoing{route: route, payload: payload}); err != nil {
		s.metrics.RecordBufferedDrop()
		overrun := errors.WithKind(errors.TransportOverrun, errors.ErrQueueFull,
			fmt.Sprintf("outbound buffer holds %d messages, dropped message for %s", s.outbound.Capacity(), route))
		s.reportError(overrun)
		return overrun
	}
	return nil
}

// Close stops reconnecting and closes the connection. Buffered payloads
// are discarded.
func (s *Session) Close() error {
	if Status(s.status.Load()) == StatusClosed {
		return nil
	}
	s.cancel()
	s.wg.Wait()

	s.pubMu.Lock()
	s.mu.Lock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
	}
	s.subs = make(map[uint64]*Subscription)
	s.status.Store(int32(StatusClosed))
	s.mu.Unlock()
	s.pubMu.Unlock()

	s.metrics.RecordBrokerStatus(false)
	if s.cfg.OnStatusChange != nil {
		s.cfg.OnStatusChange(StatusClosed)
	}
	_ = s.outbound.Close()
	s.logger.Info("Broker session closed")
	return err
}
