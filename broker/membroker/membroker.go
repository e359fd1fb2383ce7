// Package membroker is an in-process broker back-end for mem:// URLs. All
// sessions that dial the same host name share one Hub, which makes it the
// transport of choice for single-process deployments and end-to-end tests.
package membroker

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
)

// Scheme is the URL scheme served by this driver.
const Scheme = "mem"

var (
	hubsMu sync.Mutex
	hubs   = map[string]*Hub{}
)

// Open returns the hub for name, creating it on first use.
func Open(name string) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[name]
	if !ok {
		h = &Hub{name: name, routes: map[string]map[*subscriber]struct{}{}, conns: map[*conn]struct{}{}}
		hubs[name] = h
	}
	return h
}

// Driver dials hubs by URL host.
type Driver struct{}

// Dial implements broker.Driver.
func (Driver) Dial(_ context.Context, ep broker.Endpoint) (broker.Conn, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, errors.WithKind(errors.TransportDown, err, "parse "+ep.URL)
	}
	name := u.Host
	if name == "" {
		name = u.Opaque
	}
	return Open(name).dial(ep.Topic)
}

// Register adds the driver to registry.
func Register(registry *broker.Registry) error {
	return registry.Register(broker.Registration{
		Scheme:      Scheme,
		Description: "in-process broker",
		Driver:      Driver{},
	})
}

// Hub routes payloads between the connections of one process.
type Hub struct {
	name string

	mu          sync.Mutex
	routes      map[string]map[*subscriber]struct{}
	conns       map[*conn]struct{}
	unavailable bool
	published   int
}

// SetAvailable makes the hub refuse (false) or accept (true) new dials.
func (h *Hub) SetAvailable(ok bool) {
	h.mu.Lock()
	h.unavailable = !ok
	h.mu.Unlock()
}

// Drop severs every open connection as if the broker went away. Each
// connection reports itself lost.
func (h *Hub) Drop() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.sever(fmt.Errorf("hub %s dropped the connection", h.name))
	}
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Published returns how many payloads the hub has accepted.
func (h *Hub) Published() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published
}

func (h *Hub) dial(topic string) (*conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unavailable {
		return nil, errors.Newf(errors.TransportDown, "hub %s unavailable", h.name)
	}
	c := &conn{hub: h, topic: topic, lost: make(chan error, 1), subs: map[*subscriber]struct{}{}}
	h.conns[c] = struct{}{}
	return c, nil
}

func key(topic string, r broker.Route) string {
	return topic + "/" + r.String()
}

type conn struct {
	hub   *Hub
	topic string
	lost  chan error

	// guarded by hub.mu
	closed bool
	subs   map[*subscriber]struct{}
}

func (c *conn) Subscribe(route broker.Route, deliver func([]byte)) (broker.Unsubscriber, error) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return nil, errors.New(errors.TransportDown, "connection closed")
	}
	s := newSubscriber(deliver)
	k := key(c.topic, route)
	if h.routes[k] == nil {
		h.routes[k] = map[*subscriber]struct{}{}
	}
	h.routes[k][s] = struct{}{}
	c.subs[s] = struct{}{}
	return broker.UnsubscribeFunc(func() error {
		h.mu.Lock()
		delete(h.routes[k], s)
		delete(c.subs, s)
		h.mu.Unlock()
		s.stop()
		return nil
	}), nil
}

func (c *conn) Publish(_ context.Context, route broker.Route, payload []byte) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return errors.New(errors.TransportDown, "connection closed")
	}
	h.published++
	for s := range h.routes[key(c.topic, route)] {
		s.push(payload)
	}
	return nil
}

func (c *conn) Lost() <-chan error { return c.lost }

func (c *conn) Close() error {
	c.detach()
	return nil
}

// sever closes the connection and reports it lost.
func (c *conn) sever(err error) {
	if c.detach() {
		c.lost <- err
	}
}

func (c *conn) detach() bool {
	h := c.hub
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return false
	}
	c.closed = true
	delete(h.conns, c)
	subs := make([]*subscriber, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
		for _, set := range h.routes {
			delete(set, s)
		}
	}
	c.subs = nil
	h.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	return true
}

// subscriber delivers payloads in order on its own goroutine so a slow
// consumer never blocks the publisher.
type subscriber struct {
	deliver func([]byte)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	stopped bool
}

func newSubscriber(deliver func([]byte)) *subscriber {
	s := &subscriber{deliver: deliver}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) push(p []byte) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, p)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		p := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.deliver(p)
	}
}
