package broker

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/c360/karabo/errors"
)

// Registration describes a driver registered for a URL scheme.
type Registration struct {
	Scheme      string
	Description string
	Driver      Driver
}

// Registry maps URL schemes to drivers. It is safe for concurrent use.
type Registry struct {
	drivers map[string]*Registration
	mu      sync.RWMutex
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*Registration)}
}

// Register adds a driver. Registering the same scheme twice is an error.
func (r *Registry) Register(reg Registration) error {
	if reg.Scheme == "" || reg.Driver == nil {
		return errors.WrapInvalid(fmt.Errorf("scheme and driver are required"),
			"Registry", "Register", "validate registration")
	}
	scheme := strings.ToLower(reg.Scheme)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.drivers[scheme]; exists {
		return errors.WrapInvalid(fmt.Errorf("driver for scheme %q already registered", scheme),
			"Registry", "Register", "check duplicate")
	}
	reg.Scheme = scheme
	r.drivers[scheme] = &reg
	return nil
}

// Lookup returns the driver serving rawURL.
func (r *Registry) Lookup(rawURL string) (Driver, string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" {
		return nil, "", errors.Newf(errors.TransportDown, "malformed broker url %q", rawURL)
	}
	scheme := strings.ToLower(u.Scheme)

	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.drivers[scheme]
	if !ok {
		return nil, scheme, errors.Newf(errors.TransportDown, "no broker driver for scheme %q", scheme)
	}
	return reg.Driver, scheme, nil
}

// Schemes lists the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for s := range r.drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ParseURLs splits the comma-separated KARABO_BROKER value.
func ParseURLs(list string) []string {
	var out []string
	for _, u := range strings.Split(list, ",") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
