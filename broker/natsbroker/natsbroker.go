// Package natsbroker is the NATS back-end of the broker transport. It serves
// nats:// URLs and tcp:// URLs, the latter being the scheme Karabo uses for
// JMS brokers.
//
// Routes map onto subjects below the domain topic:
//
//	<topic>.slots.<instanceId>
//	<topic>.broadcast
//
// The driver disables the client library's own reconnect logic so that a
// dropped connection surfaces as Lost and the broker.Session performs
// failover over the whole URL list.
package natsbroker

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
)

// Schemes served by this driver.
const (
	Scheme    = "nats"
	SchemeTCP = "tcp"
)

// Driver dials NATS servers.
type Driver struct {
	// Name identifies the client connection on the server.
	Name string
	// Timeout bounds the initial dial. Zero means 5 s.
	Timeout time.Duration
	// PingInterval controls dead connection detection. Zero means 10 s.
	PingInterval time.Duration
	// Logger receives asynchronous client errors.
	Logger *slog.Logger
}

// Register adds the driver for both schemes to registry.
func Register(registry *broker.Registry, d Driver) error {
	for _, scheme := range []string{Scheme, SchemeTCP} {
		if err := registry.Register(broker.Registration{
			Scheme:      scheme,
			Description: "NATS broker",
			Driver:      d,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Subject returns the NATS subject for route in topic.
func Subject(topic string, r broker.Route) string {
	if topic == "" {
		topic = "karabo"
	}
	if r.Broadcast {
		return topic + ".broadcast"
	}
	return topic + ".slots." + sanitizeToken(r.Instance)
}

// sanitizeToken keeps instance ids with dots or wildcards from spanning
// several subject tokens.
func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// serverURL rewrites tcp:// to nats:// since the client only knows the
// latter.
func serverURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == SchemeTCP {
		u.Scheme = Scheme
	}
	return u.String(), nil
}

func (d Driver) options(c *conn) []nats.Option {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = 10 * time.Second
	}
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.PingInterval(ping),
		nats.MaxPingsOutstanding(2),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(nats.ErrConnectionClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Warn("NATS async error", "subject", subject, "error", err)
		}),
	}
	if d.Name != "" {
		opts = append(opts, nats.Name(d.Name))
	}
	return opts
}

// Dial implements broker.Driver.
func (d Driver) Dial(ctx context.Context, ep broker.Endpoint) (broker.Conn, error) {
	server, err := serverURL(ep.URL)
	if err != nil {
		return nil, errors.WithKind(errors.TransportDown, err, "parse "+ep.URL)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &conn{
		topic:  ep.Topic,
		logger: logger.With("component", "natsbroker", "url", ep.URL),
		lost:   make(chan error, 1),
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(server, d.options(c)...)
		done <- result{nc, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.WrapTransient(r.err, "natsbroker", "Dial", "connect to "+ep.URL)
		}
		c.nc = r.nc
		return c, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, errors.WrapTransient(ctx.Err(), "natsbroker", "Dial", "connection cancelled")
	}
}

type conn struct {
	nc     *nats.Conn
	topic  string
	logger *slog.Logger

	lost     chan error
	lostOnce sync.Once
	closed   sync.Once
	closing  bool
	mu       sync.Mutex
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	c.lostOnce.Do(func() { c.lost <- err })
}

func (c *conn) Subscribe(route broker.Route, deliver func([]byte)) (broker.Unsubscriber, error) {
	sub, err := c.nc.Subscribe(Subject(c.topic, route), func(m *nats.Msg) {
		deliver(m.Data)
	})
	if err != nil {
		return nil, errors.WithKind(errors.TransportDown, err, "subscribe "+route.String())
	}
	// Unlimited pending keeps the library from dropping on slow consumers;
	// bounding happens in the per-peer queues above the transport.
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		c.logger.Debug("Could not lift pending limits", "error", err)
	}
	return broker.UnsubscribeFunc(sub.Unsubscribe), nil
}

func (c *conn) Publish(ctx context.Context, route broker.Route, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.WithKind(errors.Cancelled, err, "publish "+route.String())
	}
	if err := c.nc.Publish(Subject(c.topic, route), payload); err != nil {
		return errors.WithKind(errors.TransportDown, err, "publish "+route.String())
	}
	return nil
}

func (c *conn) Lost() <-chan error { return c.lost }

func (c *conn) Close() error {
	c.closed.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		c.nc.Close()
	})
	return nil
}
