package pipeline

import (
	"context"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/karabo/codec"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/metric"
	"github.com/c360/karabo/pkg/buffer"
	"github.com/c360/karabo/pkg/timestamp"
)

// Defaults for OutputConfig.
const (
	DefaultWaitTimeout  = 10 * time.Second
	DefaultHelloTimeout = 5 * time.Second
)

// OutputConfig configures an OutputChannel.
type OutputConfig struct {
	// Name is the channel name within its device, e.g. "output".
	Name string
	// DeviceID owns the channel; frames carry "<DeviceID>:<Name>" as source.
	DeviceID string
	// Hostname is advertised to inputs. Defaults to the host name.
	Hostname string
	// Port to listen on; 0 picks a free port.
	Port int
	// OnSlowness applies to inputs whose hello does not name a policy.
	OnSlowness Slowness
	// NoInputShared decides what happens to a frame for shared inputs when
	// none of them has room: drop, queue, wait or throw.
	NoInputShared Slowness
	// WaitTimeout bounds how long a write blocks for a wait-mode input.
	WaitTimeout time.Duration
	// ZeroCopy sends large byte payloads without copying them. The written
	// Hash must then stay unchanged until every input received it.
	ZeroCopy bool
	// MaxFrameBytes bounds control messages read from inputs.
	MaxFrameBytes int

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// ConnectionInfo is one row of the connection table.
type ConnectionInfo struct {
	RemoteID         string
	DataDistribution Distribution
	OnSlowness       Slowness
	MemoryLocation   string
	RemoteAddress    string
	RemotePort       int
	LocalAddress     string
	LocalPort        int
	MaxQueueLength   int
	Queued           int
	// MaxQueued is the deepest the connection's queue has been.
	MaxQueued int
	Sent      uint64
	Dropped   uint64
}

// OutputChannel serves frames to connected inputs over TCP.
type OutputChannel struct {
	cfg    OutputConfig
	source string
	logger *slog.Logger
	enc    codec.Encoder
	dec    codec.Decoder

	// writeMu serializes writers so frames keep their order.
	writeMu sync.Mutex
	rr      int

	mu       sync.Mutex
	conns    []*outConn
	listener net.Listener
	closed   bool

	// space is signalled whenever a connection takes a frame off its queue.
	space chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOutputChannel creates an output; Start opens the listener.
func NewOutputChannel(cfg OutputConfig) *OutputChannel {
	if cfg.OnSlowness == "" {
		cfg.OnSlowness = Drop
	}
	if cfg.NoInputShared == "" {
		cfg.NoInputShared = Drop
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		} else {
			cfg.Hostname = "localhost"
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	source := cfg.DeviceID + ":" + cfg.Name
	return &OutputChannel{
		cfg:    cfg,
		source: source,
		logger: logger.With("component", "pipeline", "output", source),
		dec:    codec.Decoder{MaxFrameBytes: cfg.MaxFrameBytes},
		space:  make(chan struct{}, 1),
	}
}

// Name returns the channel name.
func (o *OutputChannel) Name() string { return o.cfg.Name }

// Start listens for inputs until ctx ends or Close is called.
func (o *OutputChannel) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "OutputChannel", "Start", "listen")
	}
	if o.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "OutputChannel", "Start", "listen")
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(o.cfg.Port)))
	if err != nil {
		return errors.WrapTransient(err, "OutputChannel", "Start", "listen")
	}
	o.listener = l
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go o.accept(ctx, l)
	o.logger.Debug("Output channel listening", "addr", l.Addr().String())
	return nil
}

// Port returns the bound port, or 0 before Start.
func (o *OutputChannel) Port() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.listener == nil {
		return 0
	}
	return o.listener.Addr().(*net.TCPAddr).Port
}

// Info is the answer to slotGetOutputChannelInformation.
func (o *OutputChannel) Info() *hash.Hash {
	return hash.New().
		Put("connectionType", "tcp").
		Put("hostname", o.cfg.Hostname).
		Put("port", uint32(o.Port())).
		Put(keySlowness, string(o.cfg.OnSlowness)).
		Put(keyMemoryLocation, MemoryRemote)
}

// Connections returns the connection table.
func (o *OutputChannel) Connections() []ConnectionInfo {
	o.mu.Lock()
	conns := slices.Clone(o.conns)
	o.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		info := c.info
		info.Queued = c.queue.Size()
		info.MaxQueued = c.queue.Stats().HighWater
		info.Sent = c.sent.Load()
		info.Dropped = c.dropped.Load()
		out = append(out, info)
	}
	return out
}

// Close disconnects every input and stops listening.
func (o *OutputChannel) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	l := o.listener
	conns := slices.Clone(o.conns)
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	var err error
	if l != nil {
		err = l.Close()
	}
	for _, c := range conns {
		c.close()
	}
	o.wg.Wait()
	return err
}

func (o *OutputChannel) accept(ctx context.Context, l net.Listener) {
	defer o.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Warn("Accept failed", "error", err)
			}
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.serve(ctx, conn)
		}()
	}
}

// serve runs one input connection: hello, then frames paced by updates.
func (o *OutputChannel) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(DefaultHelloTimeout))
	hello, err := readMessage(conn, o.dec)
	if err != nil {
		o.logger.Debug("No hello from input", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	c, err := o.newConn(ctx, conn, hello)
	if err != nil {
		o.logger.Warn("Rejected input", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if !o.register(c) {
		c.close()
		return
	}
	o.logger.Info("Input connected", "input", c.info.RemoteID,
		"distribution", c.info.DataDistribution, "onSlowness", c.info.OnSlowness,
		"maxQueueLength", c.info.MaxQueueLength)

	go c.readUpdates()
	c.send(o.space)

	o.unregister(c)
	c.close()
	o.logger.Info("Input disconnected", "input", c.info.RemoteID,
		"sent", c.sent.Load(), "dropped", c.dropped.Load())
}

func (o *OutputChannel) newConn(ctx context.Context, conn net.Conn, hello *hash.Hash) (*outConn, error) {
	str := func(key string) string {
		v, _ := hello.Get(key)
		s, _ := v.(string)
		return s
	}
	if reason := str(keyReason); reason != reasonHello {
		return nil, errors.Newf(errors.Format, "expected hello, got %q", reason)
	}
	dist, err := parseDistribution(str(keyDistribution))
	if err != nil {
		return nil, err
	}
	slowness, err := parseSlowness(str(keySlowness), o.cfg.OnSlowness)
	if err != nil {
		return nil, err
	}
	queueLen := 0
	if v, ok := hello.Get(keyMaxQueueLength); ok {
		if n, err := hash.Coerce(v, hash.Int64); err == nil {
			queueLen = int(n.(int64))
		}
	}
	queueLen = clampQueueLength(queueLen)
	mem := str(keyMemoryLocation)
	if mem == "" {
		mem = MemoryRemote
	}

	info := ConnectionInfo{
		RemoteID:         str(keyInstanceID),
		DataDistribution: dist,
		OnSlowness:       slowness,
		MemoryLocation:   mem,
		MaxQueueLength:   queueLen,
	}
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		info.RemoteAddress, info.RemotePort = a.IP.String(), a.Port
	}
	if a, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		info.LocalAddress, info.LocalPort = a.IP.String(), a.Port
	}

	c := &outConn{
		conn:    conn,
		info:    info,
		dec:     o.dec,
		logger:  o.logger,
		idle:    true,
		handoff: make(chan *frame, 1),
		credit:  make(chan struct{}, 1),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	policy := string(slowness)
	c.queue, err = buffer.NewCircularBuffer[*frame](queueLen,
		buffer.WithOverflowPolicy[*frame](slowness.overflow()),
		buffer.WithDropCallback(func(*frame) {
			c.dropped.Add(1)
			o.cfg.Metrics.RecordFrameDropped(o.source, policy)
		}))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (o *OutputChannel) register(c *outConn) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.conns = append(o.conns, c)
	return true
}

func (o *OutputChannel) unregister(c *outConn) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conns = slices.DeleteFunc(o.conns, func(x *outConn) bool { return x == c })
}

// Write sends data, stamped now, to the connected inputs.
func (o *OutputChannel) Write(ctx context.Context, data *hash.Hash) error {
	return o.WriteWithTimestamp(ctx, data, timestamp.Now())
}

// WriteWithTimestamp sends data to the connected inputs. Copy inputs each
// get the frame; shared inputs get it round-robin. Depending on the
// inputs' onSlowness the frame may be queued or dropped for slow inputs,
// the call may block (wait, up to WaitTimeout) or fail with backpressure
// (throw).
func (o *OutputChannel) WriteWithTimestamp(ctx context.Context, data *hash.Hash, ts timestamp.Timestamp) error {
	f, err := encodeData(o.enc, o.cfg.ZeroCopy, Meta{Source: o.source, Timestamp: ts}, data)
	if err != nil {
		return err
	}
	o.cfg.Metrics.RecordFrame(o.source)
	return o.write(ctx, f)
}

// WriteEndOfStream tells every connected input that the stream ended. It
// is never dropped; a full input queue makes it wait.
func (o *OutputChannel) WriteEndOfStream(ctx context.Context) error {
	f, err := encodeEndOfStream(o.enc)
	if err != nil {
		return err
	}
	return o.write(ctx, f)
}

// Update blocks until every connected input has taken all frames written
// so far. An input that disconnects counts as done.
func (o *OutputChannel) Update(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		conns := slices.Clone(o.conns)
		o.mu.Unlock()
		if !slices.ContainsFunc(conns, (*outConn).busy) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.WithKind(errors.Cancelled, ctx.Err(), "update abandoned")
		}
	}
}

func (o *OutputChannel) write(ctx context.Context, f *frame) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	o.mu.Lock()
	conns := slices.Clone(o.conns)
	o.mu.Unlock()

	var copies, waits, shared []*outConn
	for _, c := range conns {
		switch {
		case c.info.DataDistribution == Shared:
			shared = append(shared, c)
		case c.info.OnSlowness == Wait || f.eos:
			waits = append(waits, c)
		default:
			copies = append(copies, c)
		}
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	// Non-blocking inputs get the frame before the producer waits on any
	// wait-mode input.
	for _, c := range copies {
		keep(o.offer(c, f))
	}
	for _, c := range waits {
		keep(o.await(ctx, f, c))
	}
	if len(shared) > 0 {
		if f.eos {
			for _, c := range shared {
				keep(o.await(ctx, f, c))
			}
		} else {
			keep(o.distribute(ctx, f, shared))
		}
	}
	return first
}

// offer hands f to a drop, queue, queueDrop or throw input.
func (o *OutputChannel) offer(c *outConn, f *frame) error {
	ok, err := c.push(f, false)
	if err != nil || ok || c.isClosed() {
		return err
	}
	// Only a throw input refuses without dropping.
	c.dropped.Add(1)
	o.cfg.Metrics.RecordFrameDropped(o.source, string(Throw))
	return errors.Newf(errors.Backpressure, "input %s is not keeping up", c.info.RemoteID)
}

// await waits until one of conns has room for f.
func (o *OutputChannel) await(ctx context.Context, f *frame, conns ...*outConn) error {
	timer := time.NewTimer(o.cfg.WaitTimeout)
	defer timer.Stop()
	for {
		alive := false
		for _, c := range conns {
			ok, err := c.push(f, true)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			if !c.isClosed() {
				alive = true
			}
		}
		if !alive {
			return nil
		}
		select {
		case <-o.space:
		case <-timer.C:
			return errors.Newf(errors.Timeout, "no input had room within %s", o.cfg.WaitTimeout)
		case <-ctx.Done():
			return errors.WithKind(errors.Cancelled, ctx.Err(), "write abandoned")
		}
	}
}

// distribute gives f to the next shared input with room. When all are
// busy NoInputShared decides.
func (o *OutputChannel) distribute(ctx context.Context, f *frame, shared []*outConn) error {
	n := len(shared)
	for i := range n {
		idx := (o.rr + i) % n
		ok, err := shared[idx].push(f, true)
		if err != nil {
			return err
		}
		if ok {
			o.rr = (idx + 1) % n
			return nil
		}
	}

	switch o.cfg.NoInputShared {
	case Wait:
		return o.await(ctx, f, shared...)
	case Throw:
		o.cfg.Metrics.RecordFrameDropped(o.source, string(Throw))
		return errors.New(errors.Backpressure, "no shared input has room")
	case Queue, QueueDrop:
		c := shared[o.rr%n]
		o.rr = (o.rr + 1) % n
		if ok, err := c.push(f, false); err != nil || ok || c.isClosed() {
			return err
		}
		c.dropped.Add(1)
		o.cfg.Metrics.RecordFrameDropped(o.source, string(o.cfg.NoInputShared))
		return nil
	default:
		o.cfg.Metrics.RecordFrameDropped(o.source, string(Drop))
		return nil
	}
}

// outConn is the output side of one connected input. The sender loop
// writes one frame, then waits for the input's update before the next.
type outConn struct {
	conn   net.Conn
	info   ConnectionInfo
	dec    codec.Decoder
	logger *slog.Logger

	queue buffer.Buffer[*frame]

	mu     sync.Mutex
	idle   bool
	closed bool

	// handoff passes a frame straight to an idle sender.
	handoff chan *frame
	credit  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// push enqueues f. With room set, a full queue is left alone and push
// reports false; otherwise the queue's own overflow policy applies and
// only a rejecting queue reports false.
func (c *outConn) push(f *frame, room bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, nil
	}
	if c.idle {
		c.idle = false
		c.handoff <- f
		return true, nil
	}
	if room && c.queue.IsFull() {
		return false, nil
	}
	if err := c.queue.Write(f); err != nil {
		if errors.Is(err, buffer.ErrFull) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// busy reports whether c still has frames queued or in flight.
func (c *outConn) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !(c.idle && c.queue.IsEmpty())
}

func (c *outConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// next returns the frame to send: a pending handoff, else the oldest
// queued frame, else whatever is handed off next.
func (c *outConn) next(space chan<- struct{}) (*frame, bool) {
	c.mu.Lock()
	select {
	case f := <-c.handoff:
		c.mu.Unlock()
		return f, true
	default:
	}
	if f, ok := c.queue.Read(); ok {
		c.mu.Unlock()
		select {
		case space <- struct{}{}:
		default:
		}
		return f, true
	}
	c.idle = true
	c.mu.Unlock()

	select {
	case f := <-c.handoff:
		return f, true
	case <-c.ctx.Done():
		return nil, false
	}
}

func (c *outConn) send(space chan<- struct{}) {
	for {
		f, ok := c.next(space)
		if !ok {
			return
		}
		if err := f.writeTo(c.conn); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("Write to input failed", "input", c.info.RemoteID, "error", err)
			}
			return
		}
		if !f.eos {
			c.sent.Add(1)
		}
		select {
		case <-c.credit:
		case <-c.ctx.Done():
			return
		}
	}
}

// readUpdates turns the input's update messages into send credit and ends
// the connection when the input goes away.
func (c *outConn) readUpdates() {
	defer c.cancel()
	for {
		msg, err := readMessage(c.conn, c.dec)
		if err != nil {
			return
		}
		if v, _ := msg.Get(keyReason); v == reasonUpdate {
			select {
			case c.credit <- struct{}{}:
			default:
			}
		}
	}
}

func (c *outConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.idle = false
	c.mu.Unlock()
	c.cancel()
	_ = c.conn.Close()
	_ = c.queue.Close()
}
