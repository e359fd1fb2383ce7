package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/metric"
	"github.com/c360/karabo/pipeline"
	"github.com/c360/karabo/pkg/timestamp"
	"github.com/c360/karabo/schema"
	"github.com/c360/karabo/signalslot"
	"github.com/c360/karabo/topology"
)

// Signals every device emits.
const (
	SignalChanged       = "signalChanged"
	SignalSchemaUpdated = "signalSchemaUpdated"
)

// Config configures a Device.
type Config struct {
	Class *Class
	// Schema is the class schema. Nil assembles it from Class.
	Schema   *hash.Schema
	DeviceID string
	ServerID string
	// Configuration is validated against the schema with defaults filled
	// in. deviceId and serverId are set from the fields above.
	Configuration *hash.Hash

	Session *broker.Session
	Logger  *slog.Logger
	// LogLevel is the initial device priority. Empty means INFO.
	LogLevel        LogLevel
	MetricsRegistry *metric.MetricsRegistry

	// HeartbeatInterval overrides the heartbeatInterval parameter.
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	RequestTimeout    time.Duration
	PingTimeout       time.Duration
	MaxQueuedPerPeer  int
	// Hostname is advertised by output channels that do not configure one.
	Hostname string

	// Clock stamps property updates. Defaults to timestamp.Now.
	Clock func() timestamp.Timestamp
	// TimeInfo answers slotGetTime. Defaults to the local clock.
	TimeInfo func() *hash.Hash
	// OnKilled runs once the device is offline.
	OnKilled func(deviceID string)
}

// Device is a running device: configuration, schema, state and the broker
// identity that serves them. Class behaviour is composed in through the
// Factory and the hooks it implements.
type Device struct {
	cfg       Config
	id        string
	class     *Class
	machine   *Machine
	ss        *signalslot.SignalSlotable
	logger    *slog.Logger
	level     slog.LevelVar
	behaviour any

	// emitMu keeps signalChanged in the order the updates were applied.
	emitMu sync.Mutex
	mu     sync.RWMutex
	schema *hash.Schema
	config *hash.Hash

	outputs  *pipeline.Registry
	inputMu  sync.Mutex
	inputs   map[string]*pipeline.InputChannel
	handlers map[string]pipeline.Handlers

	ctx      context.Context
	cancel   context.CancelFunc
	killOnce sync.Once
	done     chan struct{}
}

// New validates the initial configuration and creates the device. Nothing
// is sent until Start.
func New(cfg Config) (*Device, error) {
	if cfg.Class == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Device", "New", "check class")
	}
	if cfg.Session == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Device", "New", "check session")
	}
	if !signalslot.ValidID(cfg.DeviceID) {
		return nil, errors.Newf(errors.SchemaInvalid, "invalid device id %q", cfg.DeviceID)
	}
	s := cfg.Schema
	if s == nil {
		var err error
		if s, err = cfg.Class.Schema(); err != nil {
			return nil, err
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = timestamp.Now
	}

	in := hash.New()
	if cfg.Configuration != nil {
		in = cfg.Configuration.Clone()
	}
	in.Put(KeyDeviceID, cfg.DeviceID)
	in.Put(KeyServerID, cfg.ServerID)
	conf, problems := schema.Validate(s, in, schema.Options{Origin: schema.OriginInit, InjectDefaults: true})
	if err := problems.Err(); err != nil {
		return nil, err
	}
	initial := cfg.Class.InitialState
	if initial == "" {
		initial = Unknown
	}
	conf.Put(KeyClassID, cfg.Class.ClassID)
	conf.Put(KeyState, string(initial))
	if !conf.Has(KeyStatus) {
		conf.Put(KeyStatus, "")
	}
	now := cfg.Clock()
	conf.Walk(func(_ string, n *hash.Node) bool {
		if _, isNode := n.Value().(*hash.Hash); !isNode {
			now.ToAttributes(n.Attributes())
		}
		return true
	})

	d := &Device{
		cfg:      cfg,
		id:       cfg.DeviceID,
		class:    cfg.Class,
		machine:  NewMachine(cfg.Class.Transitions...),
		schema:   s,
		config:   conf,
		outputs:  pipeline.NewRegistry(),
		inputs:   make(map[string]*pipeline.InputChannel),
		handlers: make(map[string]pipeline.Handlers),
		done:     make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	level := cfg.LogLevel
	if level == "" {
		level = LogLevelInfo
	}
	d.level.Set(level.Level())
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	d.logger = WithLevel(base, &d.level).With("deviceId", d.id)

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		secs, _ := hash.As[int32](conf, KeyHeartbeatInterval)
		heartbeat = time.Duration(max(secs, 1)) * time.Second
	}
	d.ss = signalslot.New(cfg.Session, signalslot.Config{
		InstanceID:        d.id,
		Type:              topology.Device,
		Info:              d.instanceInfo(initial, level),
		HeartbeatInterval: heartbeat,
		HeartbeatJitter:   cfg.HeartbeatJitter,
		RequestTimeout:    cfg.RequestTimeout,
		PingTimeout:       cfg.PingTimeout,
		MaxQueuedPerPeer:  cfg.MaxQueuedPerPeer,
		Logger:            d.logger,
		MetricsRegistry:   cfg.MetricsRegistry,
	})
	d.ss.RegisterSignal(SignalChanged)
	d.ss.RegisterSignal(SignalSchemaUpdated)
	d.registerStandardSlots()

	b, err := cfg.Class.Factory(d)
	if err != nil {
		return nil, errors.Wrap(err, "Device", "New", "create "+cfg.Class.ClassID)
	}
	d.behaviour = b
	return d, nil
}

func (d *Device) instanceInfo(state State, level LogLevel) *hash.Hash {
	visibility, _ := hash.As[int32](d.config, KeyVisibility)
	archive, _ := hash.As[bool](d.config, KeyArchive)
	return hash.New().
		Put(KeyClassID, d.class.ClassID).
		Put(KeyServerID, d.cfg.ServerID).
		Put(KeyVisibility, visibility).
		Put(KeyArchive, archive).
		Put("status", state.status()).
		Put("capabilities", uint32(0)).
		Put("interfaces", uint32(0)).
		Put("lang", "go").
		Put("log", string(level))
}

// Start opens the output channels, brings the device online, connects the
// input channels and runs OnInitialization. A failed initialization takes
// the device offline again; a device killed while initializing fails with
// cancelled.
func (d *Device) Start(ctx context.Context) error {
	if err := d.killedWhileStarting(ctx); err != nil {
		return err
	}
	if err := d.openOutputs(d.Schema()); err != nil {
		d.closeChannels()
		return err
	}
	d.ss.SetOutputChannels(d.outputs.Lookup)
	if err := d.ss.Start(ctx); err != nil {
		d.closeChannels()
		return err
	}
	d.openInputs(d.Schema())

	if hook, ok := d.behaviour.(Initializer); ok {
		if err := hook.OnInitialization(ctx); err != nil {
			d.logger.Error("Initialization failed", "error", err)
			d.shutdown(ctx, false)
			return errors.Wrap(err, "Device", "Start", "initialize "+d.id)
		}
	}
	if err := d.killedWhileStarting(ctx); err != nil {
		return err
	}
	d.logger.Info("Device online", "classId", d.class.ClassID, "serverId", d.cfg.ServerID)
	return nil
}

// killedWhileStarting undoes a start that raced with Kill. Kill may have
// run before the broker identity came up, so it is stopped again here.
func (d *Device) killedWhileStarting(ctx context.Context) error {
	select {
	case <-d.done:
	default:
		return nil
	}
	d.closeChannels()
	if err := d.ss.Stop(ctx); err != nil {
		d.logger.Warn("Stop failed", "error", err)
	}
	return errors.Newf(errors.Cancelled, "%s was killed during initialization", d.id)
}

// Kill takes the device offline: OnDestruction runs, channels close and
// instanceGone is broadcast. Errors are logged. Kill must not be called
// from one of the device's own slots; slotKillDevice shows how.
func (d *Device) Kill(ctx context.Context) {
	d.shutdown(ctx, true)
}

func (d *Device) shutdown(ctx context.Context, destroy bool) {
	d.killOnce.Do(func() {
		if ds, ok := d.behaviour.(Destroyer); ok && destroy {
			ds.OnDestruction(ctx)
		}
		d.closeChannels()
		if err := d.ss.Stop(ctx); err != nil {
			d.logger.Warn("Stop failed", "error", err)
		}
		d.cancel()
		close(d.done)
		d.logger.Info("Device offline")
		if d.cfg.OnKilled != nil {
			d.cfg.OnKilled(d.id)
		}
	})
}

// Done is closed once the device is offline.
func (d *Device) Done() <-chan struct{} { return d.done }

// ID returns the device id.
func (d *Device) ID() string { return d.id }

// ClassID returns the device class.
func (d *Device) ClassID() string { return d.class.ClassID }

// Logger returns the device-scoped logger.
func (d *Device) Logger() *slog.Logger { return d.logger }

// SignalSlotable returns the device's broker identity.
func (d *Device) SignalSlotable() *signalslot.SignalSlotable { return d.ss }

// Behaviour returns what the class factory created.
func (d *Device) Behaviour() any { return d.behaviour }

// Context is cancelled when the device goes offline.
func (d *Device) Context() context.Context { return d.ctx }

// Schema returns the current schema snapshot. Snapshots are never mutated.
func (d *Device) Schema() *hash.Schema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.schema
}

// Configuration returns a copy of the current configuration.
func (d *Device) Configuration() *hash.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Clone()
}

// snapshot returns schema and configuration as one consistent pair.
func (d *Device) snapshot() (*hash.Schema, *hash.Hash) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.schema, d.config.Clone()
}

// Get returns the value at path.
func (d *Device) Get(path string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.config.Get(path)
	return hash.CloneValue(v), ok
}

// Value reads the property at path as T.
func Value[T any](d *Device, path string) (T, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return hash.As[T](d.config, path)
}

// State returns the current state.
func (d *Device) State() State {
	s, _ := Value[string](d, KeyState)
	return State(s)
}

// Set updates one property. See SetMany.
func (d *Device) Set(path string, value any) error {
	return d.SetMany(hash.New().Put(path, value))
}

// SetMany updates every leaf of values at once. Values are converted to
// their declared types and stamped; either all of them apply or none. The
// change is emitted as signalChanged(delta, deviceId). Access modes are not
// checked: the device may update its read-only properties.
func (d *Device) SetMany(values *hash.Hash) error {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	ts := d.cfg.Clock()
	d.mu.Lock()
	delta, err := typedDelta(d.schema, values, ts)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.config.Merge(delta, hash.ReplaceAttributes)
	d.mu.Unlock()

	d.ss.Emit(SignalChanged, delta, d.id)
	return nil
}

func typedDelta(s *hash.Schema, values *hash.Hash, ts timestamp.Timestamp) (*hash.Hash, error) {
	delta := hash.New()
	for _, path := range values.Paths() {
		v, _ := values.Get(path)
		p, ok := schema.Lookup(s, path)
		if !ok {
			return nil, errors.Newf(errors.SchemaInvalid, "%s: unknown parameter", path)
		}
		switch p.NodeType() {
		case schema.Leaf:
			cv, err := hash.Coerce(v, p.ValueType())
			if err != nil {
				return nil, errors.WithKind(errors.Conversion, err, path)
			}
			v = cv
		case schema.ListOfNodes, schema.ChoiceOfNodes:
			v = hash.CloneValue(v)
		default:
			return nil, errors.Newf(errors.TypeMismatch, "%s: not a property", path)
		}
		if err := delta.Set(path, v); err != nil {
			return nil, err
		}
		if attrs, ok := delta.Attributes(path); ok {
			ts.ToAttributes(attrs)
		}
	}
	return delta, nil
}

// UpdateState sets the state property and republishes the instance status
// when it changes between ok, error and unknown.
func (d *Device) UpdateState(s State) error {
	prev := d.State()
	if err := d.Set(KeyState, string(s)); err != nil {
		return err
	}
	if prev.status() != s.status() {
		d.ss.UpdateInstanceInfo(hash.New().Put("status", s.status()))
	}
	return nil
}

// SetStatus sets the status property.
func (d *Device) SetStatus(status string) error {
	return d.Set(KeyStatus, status)
}

// SetLogLevel changes the device's logging priority and publishes it in
// the instance info.
func (d *Device) SetLogLevel(l LogLevel) {
	d.level.Set(l.Level())
	d.ss.UpdateInstanceInfo(hash.New().Put("log", string(l)))
	d.logger.Info("Log level changed", "level", string(l))
}

// LogLevel returns the current logging priority.
func (d *Device) LogLevel() LogLevel { return LevelOf(d.level.Level()) }

// Emit emits signal with args.
func (d *Device) Emit(signal string, args ...any) { d.ss.Emit(signal, args...) }

// RegisterSignal declares a device signal.
func (d *Device) RegisterSignal(name string) { d.ss.RegisterSignal(name) }

// RegisterSlot exposes fn as a device slot. Calls are refused with a state
// violation when the slot's allowedStates in the schema do not contain the
// current state, or when the class machine has no transition for the slot
// from the current state. After fn succeeds the machine's target state is
// applied.
func (d *Device) RegisterSlot(name string, fn signalslot.SlotFunc, opts ...signalslot.SlotOption) {
	d.ss.RegisterSlot(name, func(ctx context.Context, args signalslot.Args) ([]any, error) {
		current := d.State()
		if p, ok := schema.Lookup(d.Schema(), name); ok && p.IsSlot() {
			if allowed := p.AllowedStates(); len(allowed) > 0 && !containsState(allowed, current) {
				return nil, errors.Newf(errors.StateViolation, "%s is not allowed in state %s", name, current)
			}
		}
		next, err := d.machine.Next(current, name)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		if d.machine.Handles(name) && next != d.State() {
			if err := d.UpdateState(next); err != nil {
				return nil, err
			}
		}
		return out, nil
	}, opts...)
}

func containsState(allowed []string, s State) bool {
	for _, a := range allowed {
		if a == string(s) {
			return true
		}
	}
	return false
}

// InjectParameters merges delta into the runtime schema. New properties
// start at their default; seed values are used for reconfigurable ones
// and ignored otherwise. Schema and configuration are swapped under one
// lock, then signalSchemaUpdated and signalChanged are emitted. Channels
// declared by delta are opened.
func (d *Device) InjectParameters(delta *hash.Schema, seed *hash.Hash) error {
	d.emitMu.Lock()
	ts := d.cfg.Clock()

	d.mu.Lock()
	next := schema.Inject(d.schema, delta)
	values := hash.New()
	for _, path := range schema.Leaves(delta) {
		p, _ := schema.Lookup(next, path)
		v, ok := any(nil), false
		if seed != nil && p.AccessMode() == schema.Reconfigurable {
			v, ok = seed.Get(path)
		}
		if !ok && !d.config.Has(path) {
			v, ok = p.Default()
		}
		if ok {
			_ = values.Set(path, v)
		}
	}
	changed, err := typedDelta(next, values, ts)
	if err != nil {
		d.mu.Unlock()
		d.emitMu.Unlock()
		return err
	}
	d.schema = next
	d.config.Merge(changed, hash.ReplaceAttributes)
	d.mu.Unlock()

	d.ss.Emit(SignalSchemaUpdated, next, d.id)
	if !changed.Empty() {
		d.ss.Emit(SignalChanged, changed, d.id)
	}
	d.emitMu.Unlock()

	if err := d.openOutputs(delta); err != nil {
		return err
	}
	d.openInputs(delta)
	return nil
}

// RemoveParameters undoes an injection: the parameters declared in delta
// leave the schema together with their values.
func (d *Device) RemoveParameters(delta *hash.Schema) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	next := schema.Remove(d.schema, delta)
	for _, path := range delta.Hash.Paths() {
		if _, still := schema.Lookup(next, path); !still {
			d.config.Erase(path)
		}
	}
	d.schema = next
	d.mu.Unlock()
	d.ss.Emit(SignalSchemaUpdated, next, d.id)
}

// OverwriteParameter replaces attributes of path one by one, e.g. new
// options or limits, and publishes the new schema.
func (d *Device) OverwriteParameter(path string, attrs *hash.Attributes) error {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	next, err := schema.Overwrite(d.schema, path, attrs)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.schema = next
	d.mu.Unlock()
	d.ss.Emit(SignalSchemaUpdated, next, d.id)
	return nil
}

// Reconfigure applies a runtime configuration the way slotReconfigure
// does: validation against schema and state, the Reconfigurer hook, then
// the update. Nothing changes on any failure.
func (d *Device) Reconfigure(ctx context.Context, incoming *hash.Hash) error {
	s := d.Schema()
	state := d.State()
	sanitized, problems := schema.Validate(s, incoming, schema.Options{
		Origin: schema.OriginRuntime,
		State:  string(state),
	})
	if err := problems.Err(); err != nil {
		return err
	}
	if sanitized.Empty() {
		return nil
	}
	if r, ok := d.behaviour.(Reconfigurer); ok {
		if err := r.OnReconfigure(ctx, sanitized); err != nil {
			return err
		}
	}
	if err := d.SetMany(sanitized); err != nil {
		return err
	}
	d.syncInputs(s, sanitized)
	return nil
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s)", d.id, d.class.ClassID)
}
