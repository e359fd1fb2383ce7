package pipeline

import (
	"context"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/c360/karabo/codec"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pkg/retry"
)

// Endpoint is where an output channel listens.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) }

// Resolver finds the endpoint of an output given as "<deviceId>:<channel>".
type Resolver func(ctx context.Context, output string) (Endpoint, error)

// Handlers receive what an input channel reads. All handlers of one input
// run one at a time, in arrival order per output.
type Handlers struct {
	// OnData receives every data item.
	OnData func(ctx context.Context, data *hash.Hash, meta Meta)
	// OnEndOfStream fires once every connected output has ended its stream.
	OnEndOfStream func(ctx context.Context)
	// OnInputAvailable fires when data arrives while the input was idle.
	OnInputAvailable func()
	// OnConnect and OnClose follow the connections to outputs.
	OnConnect func(output string)
	OnClose   func(output string)
}

// InputConfig configures an InputChannel.
type InputConfig struct {
	// InstanceID names the input in the output's connection table,
	// conventionally "<deviceId>:<channel>".
	InstanceID       string
	DataDistribution Distribution
	OnSlowness       Slowness
	MaxQueueLength   int
	MemoryLocation   string

	Resolver Resolver
	Handlers Handlers
	// Reconnect paces reconnection attempts. Defaults to retry.Reconnect.
	Reconnect *retry.Config
	// MaxFrameBytes bounds a single header or body.
	MaxFrameBytes int

	Logger *slog.Logger
}

// InputChannel reads frames from one or more outputs. Each output gets
// its own connection that reconnects with exponential backoff until the
// output is disconnected or the input closed.
type InputChannel struct {
	cfg    InputConfig
	logger *slog.Logger
	enc    codec.Encoder
	dec    codec.Decoder

	ctx      context.Context
	cancel   context.CancelFunc
	sessions errgroup.Group

	mu      sync.Mutex
	outputs map[string]*inConn

	// dispatchMu serializes handlers across connections.
	dispatchMu sync.Mutex
	pending    atomic.Int32
}

// inConn tracks one output the input is subscribed to.
type inConn struct {
	output    string
	cancel    context.CancelFunc
	connected bool
	ended     bool
}

// NewInputChannel creates an input. It reads nothing until Connect.
func NewInputChannel(cfg InputConfig) *InputChannel {
	if cfg.DataDistribution == "" {
		cfg.DataDistribution = Copy
	}
	if cfg.OnSlowness == "" {
		cfg.OnSlowness = Drop
	}
	cfg.MaxQueueLength = clampQueueLength(cfg.MaxQueueLength)
	if cfg.MemoryLocation == "" {
		cfg.MemoryLocation = MemoryRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InputChannel{
		cfg:     cfg,
		logger:  logger.With("component", "pipeline", "input", cfg.InstanceID),
		dec:     codec.Decoder{MaxFrameBytes: cfg.MaxFrameBytes},
		ctx:     ctx,
		cancel:  cancel,
		outputs: make(map[string]*inConn),
	}
}

// Connect subscribes to output ("<deviceId>:<channel>"). The connection
// is made in the background and re-made whenever it drops.
func (in *InputChannel) Connect(output string) error {
	if in.cfg.Resolver == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "InputChannel", "Connect", "resolve output")
	}
	return in.connect(output, in.cfg.Resolver)
}

// ConnectEndpoint subscribes to an output at a known address.
func (in *InputChannel) ConnectEndpoint(output string, ep Endpoint) error {
	return in.connect(output, func(context.Context, string) (Endpoint, error) { return ep, nil })
}

func (in *InputChannel) connect(output string, resolve Resolver) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ctx.Err() != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "InputChannel", "Connect", "subscribe")
	}
	if _, ok := in.outputs[output]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(in.ctx)
	c := &inConn{output: output, cancel: cancel}
	in.outputs[output] = c

	in.sessions.Go(func() error {
		in.run(ctx, c, resolve)
		return nil
	})
	return nil
}

// Disconnect drops the subscription to output.
func (in *InputChannel) Disconnect(output string) {
	in.mu.Lock()
	c, ok := in.outputs[output]
	delete(in.outputs, output)
	in.mu.Unlock()
	if ok {
		c.cancel()
	}
}

// Outputs lists the subscribed outputs.
func (in *InputChannel) Outputs() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.outputs))
	for name := range in.outputs {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Connected reports whether output currently has a live connection.
func (in *InputChannel) Connected(output string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	c, ok := in.outputs[output]
	return ok && c.connected
}

// Close disconnects from every output and waits for the handlers.
func (in *InputChannel) Close() error {
	in.cancel()
	return in.sessions.Wait()
}

func (in *InputChannel) run(ctx context.Context, c *inConn, resolve Resolver) {
	cfg := retry.Reconnect()
	if in.cfg.Reconnect != nil {
		cfg = *in.cfg.Reconnect
	}
	backoff := retry.NewBackoff(cfg)
	logger := in.logger.With("output", c.output)

	for {
		ep, err := resolve(ctx, c.output)
		if err == nil {
			err = in.session(ctx, c, ep, backoff)
		}
		if ctx.Err() != nil {
			return
		}
		logger.Debug("Output connection lost, retrying", "error", err)
		if backoff.Sleep(ctx) != nil {
			return
		}
	}
}

// session runs one TCP connection to ep until it fails.
func (in *InputChannel) session(ctx context.Context, c *inConn, ep Endpoint, backoff *retry.Backoff) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return errors.WrapTransient(err, "InputChannel", "session", "dial "+ep.String())
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hello := hash.New().
		Put(keyReason, reasonHello).
		Put(keyInstanceID, in.cfg.InstanceID).
		Put(keyMemoryLocation, in.cfg.MemoryLocation).
		Put(keyDistribution, string(in.cfg.DataDistribution)).
		Put(keySlowness, string(in.cfg.OnSlowness)).
		Put(keyMaxQueueLength, uint32(in.cfg.MaxQueueLength))
	if err := writeMessage(conn, in.enc, hello); err != nil {
		return errors.WrapTransient(err, "InputChannel", "session", "send hello")
	}
	backoff.Reset()
	in.setConnected(c, true)
	in.logger.Info("Connected to output", "output", c.output, "endpoint", ep.String())
	if h := in.cfg.Handlers.OnConnect; h != nil {
		h(c.output)
	}
	defer func() {
		in.setConnected(c, false)
		if h := in.cfg.Handlers.OnClose; h != nil {
			h(c.output)
		}
	}()

	update := hash.New().Put(keyReason, reasonUpdate).Put(keyInstanceID, in.cfg.InstanceID)
	for {
		items, eos, err := readFrame(conn, in.dec)
		if err != nil {
			return err
		}
		in.dispatch(ctx, c, items, eos)
		if err := writeMessage(conn, in.enc, update); err != nil {
			return errors.WrapTransient(err, "InputChannel", "session", "send update")
		}
	}
}

func (in *InputChannel) setConnected(c *inConn, up bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	c.connected = up
	if !up {
		c.ended = false
	}
}

// dispatch hands one frame to the handlers. The update that grants the
// output its next send follows only after the handlers returned.
func (in *InputChannel) dispatch(ctx context.Context, c *inConn, items []item, eos bool) {
	if in.pending.Add(1) == 1 && !eos {
		if h := in.cfg.Handlers.OnInputAvailable; h != nil {
			h()
		}
	}
	defer in.pending.Add(-1)

	in.dispatchMu.Lock()
	defer in.dispatchMu.Unlock()

	if eos {
		if in.streamEnded(c) {
			if h := in.cfg.Handlers.OnEndOfStream; h != nil {
				h(ctx)
			}
		}
		return
	}
	in.mu.Lock()
	c.ended = false
	in.mu.Unlock()
	if h := in.cfg.Handlers.OnData; h != nil {
		for _, it := range items {
			h(ctx, it.data, it.meta)
		}
	}
}

// streamEnded marks c ended and reports whether every connected output
// has now ended; if so the marks are reset for the next stream.
func (in *InputChannel) streamEnded(c *inConn) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	c.ended = true
	for _, o := range in.outputs {
		if o.connected && !o.ended {
			return false
		}
	}
	for _, o := range in.outputs {
		o.ended = false
	}
	return true
}
