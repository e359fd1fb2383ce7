// Package amqpbroker is the AMQP 0-9-1 back-end of the broker transport.
//
// Every domain topic is a topic exchange. A connection owns one exclusive,
// auto-delete queue; subscribing to a route binds the queue with the
// route's routing key (slots.<instanceId> or broadcast). All deliveries are
// consumed by a single goroutine so payloads of one publisher arrive in
// publish order.
package amqpbroker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
)

// Scheme is the URL scheme served by this driver.
const Scheme = "amqp"

// Driver dials AMQP brokers.
type Driver struct {
	// Timeout bounds the TCP dial. Zero means 5 s.
	Timeout time.Duration
	// Heartbeat is negotiated with the server. Zero means 10 s.
	Heartbeat time.Duration
	Logger    *slog.Logger
}

// Register adds the driver to registry for amqp:// and amqps:// URLs.
func Register(registry *broker.Registry, d Driver) error {
	for _, scheme := range []string{Scheme, Scheme + "s"} {
		if err := registry.Register(broker.Registration{
			Scheme:      scheme,
			Description: "AMQP 0-9-1 broker",
			Driver:      d,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Exchange returns the exchange name for a domain topic.
func Exchange(topic string) string {
	if topic == "" {
		return "karabo"
	}
	return topic
}

// RoutingKey returns the routing key for route.
func RoutingKey(r broker.Route) string {
	if r.Broadcast {
		return "broadcast"
	}
	return "slots." + strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(r.Instance)
}

// Dial implements broker.Driver.
func (d Driver) Dial(ctx context.Context, ep broker.Endpoint) (broker.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ac, err := amqp.DialConfig(ep.URL, amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "amqpbroker", "Dial", "connect to "+ep.URL)
	}
	c, err := setup(ac, Exchange(ep.Topic))
	if err != nil {
		_ = ac.Close()
		return nil, errors.WrapTransient(err, "amqpbroker", "Dial", "declare topology on "+ep.URL)
	}
	c.logger = logger.With("component", "amqpbroker", "url", ep.URL)
	go c.consume()
	go c.watch()
	return c, nil
}

type conn struct {
	ac       *amqp.Connection
	exchange string
	queue    string
	logger   *slog.Logger

	subCh      *amqp.Channel
	deliveries <-chan amqp.Delivery
	closeCh    chan *amqp.Error

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu       sync.Mutex
	handlers map[string]map[uint64]func([]byte)
	nextID   uint64
	closing  bool

	lost     chan error
	lostOnce sync.Once
}

func setup(ac *amqp.Connection, exchange string) (*conn, error) {
	subCh, err := ac.Channel()
	if err != nil {
		return nil, err
	}
	if err := subCh.ExchangeDeclare(exchange, "topic", false, false, false, false, nil); err != nil {
		return nil, err
	}
	q, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, err
	}
	deliveries, err := subCh.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return nil, err
	}
	pubCh, err := ac.Channel()
	if err != nil {
		return nil, err
	}
	return &conn{
		ac:         ac,
		exchange:   exchange,
		queue:      q.Name,
		subCh:      subCh,
		deliveries: deliveries,
		closeCh:    ac.NotifyClose(make(chan *amqp.Error, 1)),
		pubCh:      pubCh,
		handlers:   make(map[string]map[uint64]func([]byte)),
		lost:       make(chan error, 1),
	}, nil
}

func (c *conn) consume() {
	for d := range c.deliveries {
		c.mu.Lock()
		set := c.handlers[d.RoutingKey]
		fns := make([]func([]byte), 0, len(set))
		for _, fn := range set {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(d.Body)
		}
	}
}

func (c *conn) watch() {
	amqpErr, ok := <-c.closeCh
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return
	}
	var err error = amqp.ErrClosed
	if ok && amqpErr != nil {
		err = amqpErr
	}
	c.lostOnce.Do(func() { c.lost <- err })
}

func (c *conn) Subscribe(route broker.Route, deliver func([]byte)) (broker.Unsubscriber, error) {
	key := RoutingKey(route)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, errors.New(errors.TransportDown, "connection closed")
	}
	if len(c.handlers[key]) == 0 {
		if err := c.subCh.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			return nil, errors.WithKind(errors.TransportDown, err, "bind "+key)
		}
		c.handlers[key] = make(map[uint64]func([]byte))
	}
	c.nextID++
	id := c.nextID
	c.handlers[key][id] = deliver

	return broker.UnsubscribeFunc(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		set, ok := c.handlers[key]
		if !ok {
			return nil
		}
		delete(set, id)
		if len(set) > 0 || c.closing {
			return nil
		}
		delete(c.handlers, key)
		return c.subCh.QueueUnbind(c.queue, key, c.exchange, nil)
	}), nil
}

func (c *conn) Publish(ctx context.Context, route broker.Route, payload []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	err := c.pubCh.PublishWithContext(ctx, c.exchange, RoutingKey(route), false, false, amqp.Publishing{
		ContentType:  "application/x-karabo-hash",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
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
	if c.ac.IsClosed() {
		return nil
	}
	return c.ac.Close()
}
