// Package mqttbroker is the MQTT 3.1.1 back-end of the broker transport.
//
// Routes map onto the topic hierarchy below the domain topic:
//
//	<topic>/slots/<instanceId>
//	<topic>/broadcast
//
// Messages are published with QoS 0, which gives the at-most-once delivery
// the fabric promises. Headers travel inside the binary payload.
package mqttbroker

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
)

// Scheme is the URL scheme served by this driver.
const Scheme = "mqtt"

const qos = 0

// Driver dials MQTT brokers.
type Driver struct {
	// ClientPrefix prefixes the generated client id. Zero value means "karabo".
	ClientPrefix string
	// Timeout bounds connect, subscribe and publish acknowledgements.
	// Zero means 5 s.
	Timeout time.Duration
	// KeepAlive is the MQTT keep-alive. Zero means 10 s.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// Register adds the driver to registry.
func Register(registry *broker.Registry, d Driver) error {
	return registry.Register(broker.Registration{
		Scheme:      Scheme,
		Description: "MQTT 3.1.1 broker",
		Driver:      d,
	})
}

// Topic returns the MQTT topic for route in the domain topic.
func Topic(domain string, r broker.Route) string {
	if domain == "" {
		domain = "karabo"
	}
	if r.Broadcast {
		return domain + "/broadcast"
	}
	return domain + "/slots/" + strings.NewReplacer("/", "|", "+", "_", "#", "_").Replace(r.Instance)
}

func serverURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == Scheme {
		u.Scheme = "tcp"
	}
	return u.String(), nil
}

func (d Driver) timeout() time.Duration {
	if d.Timeout <= 0 {
		return 5 * time.Second
	}
	return d.Timeout
}

// Dial implements broker.Driver.
func (d Driver) Dial(ctx context.Context, ep broker.Endpoint) (broker.Conn, error) {
	server, err := serverURL(ep.URL)
	if err != nil {
		return nil, errors.WithKind(errors.TransportDown, err, "parse "+ep.URL)
	}
	prefix := d.ClientPrefix
	if prefix == "" {
		prefix = "karabo"
	}
	keepAlive := d.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 10 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &conn{
		domain:   ep.Topic,
		timeout:  d.timeout(),
		logger:   logger.With("component", "mqttbroker", "url", ep.URL),
		handlers: make(map[string]map[uint64]func([]byte)),
		lost:     make(chan error, 1),
	}
	opts := mqtt.NewClientOptions().
		AddBroker(server).
		SetClientID(prefix + "-" + uuid.NewString()).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(d.timeout()).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.fail(err) })
	if u, err := url.Parse(ep.URL); err == nil && u.User != nil {
		opts.SetUsername(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			opts.SetPassword(pw)
		}
	}

	c.client = mqtt.NewClient(opts)
	if err := c.wait(ctx, c.client.Connect()); err != nil {
		return nil, errors.WrapTransient(err, "mqttbroker", "Dial", "connect to "+ep.URL)
	}
	return c, nil
}

type conn struct {
	client  mqtt.Client
	domain  string
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
	closing  bool

	lost     chan error
	lostOnce sync.Once
}

// wait blocks for tok within the driver timeout or until ctx is done.
func (c *conn) wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errors.New(errors.Timeout, "mqtt acknowledgement timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	c.lostOnce.Do(func() { c.lost <- err })
}

func (c *conn) dispatch(_ mqtt.Client, m mqtt.Message) {
	c.mu.Lock()
	set := c.handlers[m.Topic()]
	fns := make([]func([]byte), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(m.Payload())
	}
}

func (c *conn) Subscribe(route broker.Route, deliver func([]byte)) (broker.Unsubscriber, error) {
	topic := Topic(c.domain, route)
	c.mu.Lock()
	first := len(c.handlers[topic]) == 0
	if first {
		c.handlers[topic] = make(map[uint64]func([]byte))
	}
	c.nextID++
	id := c.nextID
	c.handlers[topic][id] = deliver
	c.mu.Unlock()

	if first {
		if err := c.wait(context.Background(), c.client.Subscribe(topic, qos, c.dispatch)); err != nil {
			c.mu.Lock()
			delete(c.handlers, topic)
			c.mu.Unlock()
			return nil, errors.WithKind(errors.TransportDown, err, "subscribe "+topic)
		}
	}

	return broker.UnsubscribeFunc(func() error {
		c.mu.Lock()
		set, ok := c.handlers[topic]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		delete(set, id)
		last := len(set) == 0
		if last {
			delete(c.handlers, topic)
		}
		closing := c.closing
		c.mu.Unlock()
		if !last || closing {
			return nil
		}
		return c.wait(context.Background(), c.client.Unsubscribe(topic))
	}), nil
}

func (c *conn) Publish(ctx context.Context, route broker.Route, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return errors.New(errors.TransportDown, "mqtt connection not open")
	}
	tok := c.client.Publish(Topic(c.domain, route), qos, false, payload)
	if err := c.wait(ctx, tok); err != nil {
		return errors.WithKind(errors.TransportDown, err, "publish "+route.String())
	}
	return nil
}

func (c *conn) Lost() <-chan error { return c.lost }

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()
	c.client.Disconnect(250)
	return nil
}
