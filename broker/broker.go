package broker

import (
	"context"
	"strings"

	"github.com/c360/karabo/hash"
)

// Header keys of the message envelope.
const (
	HeaderSignalInstanceID = "signalInstanceId"
	HeaderSignalFunction   = "signalFunction"
	HeaderSlotInstanceIDs  = "slotInstanceIds"
	HeaderSlotFunctions    = "slotFunctions"
	HeaderReplyTo          = "replyTo"
	HeaderReplyFrom        = "replyFrom"
	HeaderUserName         = "userName"
	HeaderHostName         = "hostName"
	HeaderError            = "error"
	HeaderDetails          = "details"
)

// Everyone is the slotInstanceIds value addressing all instances.
const Everyone = "*"

// Route is where a payload goes inside the domain topic: either the queue
// of one instance or the broadcast channel.
type Route struct {
	Instance  string
	Broadcast bool
}

// InstanceRoute addresses one instance.
func InstanceRoute(id string) Route { return Route{Instance: id} }

// BroadcastRoute addresses every instance in the domain.
func BroadcastRoute() Route { return Route{Broadcast: true} }

func (r Route) String() string {
	if r.Broadcast {
		return "broadcast"
	}
	return "slots." + r.Instance
}

// Message is one decoded delivery: the envelope header and the body.
type Message struct {
	Header *hash.Hash
	Body   *hash.Hash
}

// HeaderString returns the string header field key, or "".
func (m *Message) HeaderString(key string) string {
	if m == nil {
		return ""
	}
	v, _ := m.Header.Get(key)
	s, _ := v.(string)
	return s
}

// JoinIDs renders ids as the pipe-delimited selector "|a|b|".
func JoinIDs(ids ...string) string {
	if len(ids) == 0 {
		return ""
	}
	return "|" + strings.Join(ids, "|") + "|"
}

// SplitIDs parses a pipe-delimited selector. "*" yields nil and true.
func SplitIDs(sel string) (ids []string, everyone bool) {
	if strings.TrimSpace(sel) == Everyone {
		return nil, true
	}
	for _, id := range strings.Split(sel, "|") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, false
}

// RoutesFor derives the routes a message with header h must be published
// on from its slotInstanceIds selector.
func RoutesFor(h *hash.Hash) []Route {
	v, _ := h.Get(HeaderSlotInstanceIDs)
	sel, _ := v.(string)
	ids, everyone := SplitIDs(sel)
	if everyone {
		return []Route{BroadcastRoute()}
	}
	routes := make([]Route, len(ids))
	for i, id := range ids {
		routes[i] = InstanceRoute(id)
	}
	return routes
}

// Unsubscriber cancels a driver-level subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// UnsubscribeFunc adapts a function to Unsubscriber.
type UnsubscribeFunc func() error

// Unsubscribe calls f.
func (f UnsubscribeFunc) Unsubscribe() error { return f() }

// Conn is one live connection to one broker endpoint. Implementations
// translate routes into their native addressing and must deliver payloads of
// one route in publish order.
type Conn interface {
	// Subscribe registers deliver for payloads published on route. deliver
	// is called from the driver's I/O goroutine and must not block for long.
	Subscribe(route Route, deliver func(payload []byte)) (Unsubscriber, error)
	// Publish sends payload on route. It does not retry.
	Publish(ctx context.Context, route Route, payload []byte) error
	// Lost yields one value when the connection is gone for good.
	Lost() <-chan error
	// Close releases the connection. Lost does not fire for a closed Conn.
	Close() error
}

// Endpoint is one entry of the broker URL list.
type Endpoint struct {
	URL   string
	Topic string
}

// Driver opens connections for one URL scheme.
type Driver interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, ep Endpoint) (Conn, error)

// Dial calls f.
func (f DriverFunc) Dial(ctx context.Context, ep Endpoint) (Conn, error) { return f(ctx, ep) }
