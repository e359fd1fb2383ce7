package device

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/schema"
)

// DefaultNamespace is where device classes are provided unless a server
// is configured otherwise.
const DefaultNamespace = "karabo.middlelayer_device"

// Factory creates the behaviour of a new device. It runs before the device
// goes online; I/O belongs in OnInitialization.
type Factory func(d *Device) (any, error)

// Class describes a device class: its parameters, its state machine and
// how to create instances.
type Class struct {
	ClassID     string
	Version     string
	Description string
	// Parameters extend the standard device parameters. Later describers
	// override earlier ones.
	Parameters []schema.Describer
	// Transitions drive the state on slot calls.
	Transitions  []Transition
	InitialState State
	Factory      Factory
}

// Optional hooks a device behaviour may implement.
type (
	// Initializer runs once the device is online.
	Initializer interface {
		OnInitialization(ctx context.Context) error
	}
	// Destroyer runs when the device is killed, before it goes offline.
	Destroyer interface {
		OnDestruction(ctx context.Context)
	}
	// Reconfigurer sees a validated reconfiguration before it is applied
	// and may veto it.
	Reconfigurer interface {
		OnReconfigure(ctx context.Context, incoming *hash.Hash) error
	}
)

// Schema assembles the full schema of the class: standard parameters first,
// then the class's own.
func (c *Class) Schema() (*hash.Schema, error) {
	describers := append([]schema.Describer{standardParameters(c.ClassID)}, c.Parameters...)
	return schema.Assemble(c.ClassID, describers...)
}

// Registry holds the classes a server can instantiate together with their
// assembled schemas.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
	schemas map[string]*hash.Schema
}

// NewRegistry creates an empty class registry.
func NewRegistry() *Registry {
	return &Registry{
		classes: make(map[string]*Class),
		schemas: make(map[string]*hash.Schema),
	}
}

// Register validates c, assembles its schema and adds it.
func (r *Registry) Register(c Class) error {
	if c.ClassID == "" {
		return errors.WrapInvalid(fmt.Errorf("class id cannot be empty"), "Registry", "Register", "validate class")
	}
	if c.Factory == nil {
		return errors.WrapInvalid(fmt.Errorf("class %s has no factory", c.ClassID), "Registry", "Register", "validate class")
	}
	if c.InitialState == "" {
		c.InitialState = Unknown
	}
	s, err := c.Schema()
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "Register", "assemble schema of "+c.ClassID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.classes[c.ClassID]; exists {
		return errors.WrapInvalid(fmt.Errorf("class %s already registered", c.ClassID), "Registry", "Register", "check duplicate")
	}
	r.classes[c.ClassID] = &c
	r.schemas[c.ClassID] = s
	return nil
}

// Class returns the class registered as classID.
func (r *Registry) Class(classID string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[classID]
	return c, ok
}

// Schema returns the cached schema of classID.
func (r *Registry) Schema(classID string) (*hash.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[classID]
	if !ok {
		return nil, errors.Newf(errors.ClassUnknown, "class %s is not known", classID)
	}
	return s, nil
}

// ClassIDs lists the registered classes in order.
func (r *Registry) ClassIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.classes))
}

// Scan registers every class provided under namespace and returns how many
// were added. Classes already registered, and those allow rejects, are
// skipped. A nil allow accepts every class.
func (r *Registry) Scan(namespace string, allow func(classID string) bool) (int, error) {
	n := 0
	for _, c := range Provided(namespace) {
		if allow != nil && !allow(c.ClassID) {
			continue
		}
		if _, ok := r.Class(c.ClassID); ok {
			continue
		}
		if err := r.Register(c); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

var (
	providedMu sync.Mutex
	provided   = make(map[string][]Class)
)

// Provide makes classes discoverable under namespace. Device packages call
// it from init, so linking a package into a server binary is what makes
// its classes available.
func Provide(namespace string, classes ...Class) {
	providedMu.Lock()
	defer providedMu.Unlock()
	provided[namespace] = append(provided[namespace], classes...)
}

// Provided returns the classes provided under namespace.
func Provided(namespace string) []Class {
	providedMu.Lock()
	defer providedMu.Unlock()
	return slices.Clone(provided[namespace])
}
