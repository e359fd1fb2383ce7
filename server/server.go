package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/metric"
	"github.com/c360/karabo/pkg/timestamp"
	"github.com/c360/karabo/schema"
	"github.com/c360/karabo/signalslot"
	"github.com/c360/karabo/topology"
)

// Defaults applied by New.
const (
	DefaultScanInterval = 3 * time.Second
	DefaultVisibility   = int32(4)
)

// Server parameter paths.
const (
	KeyServerID        = "serverId"
	KeyHostName        = "hostName"
	KeyDeviceClasses   = "deviceClasses"
	KeyVisibilities    = "visibilities"
	KeyPluginNamespace = "pluginNamespace"
	KeyTimeServerID    = "timeServerId"
	KeyLogLevel        = "log.level"
)

// StartRequest asks for one device. An empty DeviceID lets the server pick
// <serverId>_<classId>_<n>.
type StartRequest struct {
	ClassID       string
	DeviceID      string
	Configuration *hash.Hash
}

// Config configures a Server.
type Config struct {
	// ServerID defaults to <host>_Server_<pid>.
	ServerID string
	Session  *broker.Session
	// Classes receives the scanned classes. Nil creates a fresh registry.
	Classes *device.Registry
	// PluginNamespace is scanned for provided classes.
	PluginNamespace string
	// ScanPlugins rescans the namespace every ScanInterval.
	ScanPlugins  bool
	ScanInterval time.Duration
	// DeviceClasses restricts the classes taken from the namespace. Empty
	// allows all.
	DeviceClasses []string
	// TimeServerID is the instance whose signalTimeTick drives the clock.
	TimeServerID string
	Visibility   int32
	// DataDir holds <serverId>/<deviceId>.xml files. Empty disables them.
	DataDir string
	// Init lists devices started by Start.
	Init        []StartRequest
	ServerFlags []string

	LogLevel        device.LogLevel
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry

	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	RequestTimeout    time.Duration
	PingTimeout       time.Duration
	MaxQueuedPerPeer  int
	// Hostname is advertised by device output channels.
	Hostname string
}

// Server hosts devices: it instantiates them on slotStartDevice, serves the
// class schemas and distributes the time of an external time server.
type Server struct {
	cfg     Config
	id      string
	host    string
	ss      *signalslot.SignalSlotable
	logger  *slog.Logger
	level   slog.LevelVar
	classes *device.Registry
	metrics *metric.Metrics
	schema  *hash.Schema

	mu       sync.Mutex
	devices  map[string]*device.Device
	order    []string
	starting map[string]bool
	serial   atomic.Int64
	// killing refuses new instantiations; starts tracks those in flight.
	killing bool
	starts  sync.WaitGroup

	timeMu sync.RWMutex
	ref    *timestamp.Timestamp
	refAt  time.Time
	period time.Duration

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	killOnce sync.Once
	done     chan struct{}
}

// New scans the plugin namespace and creates the server. Nothing is sent
// until Start.
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "Server", "New", "check session")
	}
	host, _ := os.Hostname()
	if cfg.ServerID == "" {
		cfg.ServerID = DefaultServerID(host, os.Getpid())
	}
	if !signalslot.ValidID(cfg.ServerID) {
		return nil, errors.Newf(errors.SchemaInvalid, "invalid server id %q", cfg.ServerID)
	}
	if cfg.Classes == nil {
		cfg.Classes = device.NewRegistry()
	}
	if cfg.PluginNamespace == "" {
		cfg.PluginNamespace = device.DefaultNamespace
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.Visibility == 0 {
		cfg.Visibility = DefaultVisibility
	}
	if cfg.Hostname == "" {
		cfg.Hostname = host
	}
	level := cfg.LogLevel
	if level == "" {
		level = device.LogLevelInfo
	}

	s := &Server{
		cfg:      cfg,
		id:       cfg.ServerID,
		host:     host,
		classes:  cfg.Classes,
		metrics:  cfg.MetricsRegistry.CoreMetrics(),
		devices:  make(map[string]*device.Device),
		starting: make(map[string]bool),
		done:     make(chan struct{}),
	}
	s.level.Set(level.Level())
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	s.logger = device.WithLevel(base, &s.level).With("component", "server", "serverId", s.id)

	if _, err := s.scan(); err != nil {
		return nil, err
	}
	var err error
	if s.schema, err = schema.Assemble("DeviceServer", parameters); err != nil {
		return nil, errors.WrapFatal(err, "Server", "New", "assemble server schema")
	}

	s.ss = signalslot.New(cfg.Session, signalslot.Config{
		InstanceID:        s.id,
		Type:              topology.Server,
		Info:              s.instanceInfo(level),
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatJitter:   cfg.HeartbeatJitter,
		RequestTimeout:    cfg.RequestTimeout,
		PingTimeout:       cfg.PingTimeout,
		MaxQueuedPerPeer:  cfg.MaxQueuedPerPeer,
		Logger:            s.logger,
		MetricsRegistry:   cfg.MetricsRegistry,
	})
	s.registerSlots()
	return s, nil
}

// DefaultServerID is the id of a server started without one. Characters
// not allowed in instance ids become underscores.
func DefaultServerID(host string, pid int) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, host)
	return fmt.Sprintf("%s_Server_%d", clean, pid)
}

func (s *Server) allowed(classID string) bool {
	return len(s.cfg.DeviceClasses) == 0 || slices.Contains(s.cfg.DeviceClasses, classID)
}

// scan registers newly provided classes and reports how many were added.
func (s *Server) scan() (int, error) {
	n, err := s.classes.Scan(s.cfg.PluginNamespace, s.allowed)
	if err != nil {
		return n, errors.WrapInvalid(err, "Server", "scan", "register classes of "+s.cfg.PluginNamespace)
	}
	if n > 0 {
		s.logger.Info("Device classes registered", "added", n, "classes", s.classes.ClassIDs())
	}
	return n, nil
}

// classInfo lists the hosted classes with the visibility each defaults to.
func (s *Server) classInfo() ([]string, []int32) {
	ids := s.classes.ClassIDs()
	visibilities := make([]int32, 0, len(ids))
	for _, id := range ids {
		v := s.cfg.Visibility
		if sc, err := s.classes.Schema(id); err == nil {
			if p, ok := schema.Lookup(sc, device.KeyVisibility); ok {
				if d, ok := p.Default(); ok {
					if cv, err := hash.Coerce(d, hash.Int32); err == nil {
						v = cv.(int32)
					}
				}
			}
		}
		visibilities = append(visibilities, v)
	}
	return ids, visibilities
}

func (s *Server) instanceInfo(level device.LogLevel) *hash.Hash {
	ids, visibilities := s.classInfo()
	return hash.New().
		Put(KeyServerID, s.id).
		Put("host", s.host).
		Put("visibility", s.cfg.Visibility).
		Put(KeyDeviceClasses, ids).
		Put(KeyVisibilities, visibilities).
		Put("serverFlags", slices.Clone(s.cfg.ServerFlags)).
		Put("lang", "go").
		Put("log", string(level))
}

func parameters(b *schema.Builder) {
	b.String(KeyServerID).ReadOnly().DisplayedName("Server ID").Commit()
	b.String(KeyHostName).ReadOnly().DisplayedName("Host").Commit()
	b.VectorString(KeyDeviceClasses).ReadOnly().DisplayedName("Device classes").
		Description("Classes this server can instantiate").Commit()
	b.VectorInt32(KeyVisibilities).ReadOnly().DisplayedName("Visibilities").
		Description("Default visibility of each device class").Commit()
	b.String(KeyPluginNamespace).ReadOnly().DisplayedName("Plugin namespace").Commit()
	b.String(KeyTimeServerID).ReadOnly().Default("").DisplayedName("Time server").Commit()
	b.Node("log").DisplayedName("Logging").Commit()
	b.String(KeyLogLevel).ReadOnly().Default(string(device.LogLevelInfo)).
		Options(string(device.LogLevelDebug), string(device.LogLevelInfo),
			string(device.LogLevelWarn), string(device.LogLevelError)).
		DisplayedName("Log level").Commit()
}

// Configuration returns the server parameters.
func (s *Server) Configuration() *hash.Hash {
	ids, visibilities := s.classInfo()
	return hash.New().
		Put(KeyServerID, s.id).
		Put(KeyHostName, s.host).
		Put(KeyDeviceClasses, ids).
		Put(KeyVisibilities, visibilities).
		Put(KeyPluginNamespace, s.cfg.PluginNamespace).
		Put(KeyTimeServerID, s.cfg.TimeServerID).
		Put(KeyLogLevel, string(s.LogLevel()))
}

// Schema returns the server's own schema.
func (s *Server) Schema() *hash.Schema { return s.schema }

// Start brings the server online, subscribes to the time server, starts
// the periodic plugin scan and the devices listed in Init. Failures of
// individual Init devices are logged.
func (s *Server) Start(ctx context.Context) error {
	if err := s.ss.Start(ctx); err != nil {
		return errors.Wrap(err, "Server", "Start", "start "+s.id)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.cfg.TimeServerID != "" {
		if err := s.ss.Connect(ctx, s.cfg.TimeServerID, "signalTimeTick", "slotTimeTick"); err != nil {
			s.logger.Warn("Time server not connected", "timeServerId", s.cfg.TimeServerID, "error", err)
		}
	}
	if s.cfg.ScanPlugins {
		s.wg.Add(1)
		go s.rescan(runCtx)
	}
	s.logger.Info("Device server online", "classes", s.classes.ClassIDs(), "namespace", s.cfg.PluginNamespace)

	for _, req := range s.cfg.Init {
		if id, err := s.StartDevice(ctx, req); err != nil {
			s.logger.Error("Auto-start failed", "classId", req.ClassID, "deviceId", req.DeviceID, "error", err)
		} else {
			s.logger.Info("Auto-started device", "deviceId", id)
		}
	}
	return nil
}

// rescan picks up classes provided after startup and republishes the
// instance info when new ones appear.
func (s *Server) rescan(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.scan()
			if err != nil {
				s.logger.Warn("Plugin scan failed", "error", err)
				continue
			}
			if n > 0 {
				ids, visibilities := s.classInfo()
				s.ss.UpdateInstanceInfo(hash.New().Put(KeyDeviceClasses, ids).Put(KeyVisibilities, visibilities))
			}
		}
	}
}

// Kill takes every hosted device offline, newest first, then the server
// itself. Devices still initializing are killed too and their StartDevice
// fails. Done is closed afterwards.
func (s *Server) Kill(ctx context.Context) {
	s.killOnce.Do(func() {
		s.mu.Lock()
		s.killing = true
		s.mu.Unlock()
		s.logger.Info("Shutting down", "devices", len(s.Devices()))
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		ids := s.Devices()
		for i := len(ids) - 1; i >= 0; i-- {
			if d, ok := s.Device(ids[i]); ok {
				d.Kill(ctx)
			}
		}
		s.starts.Wait()
		if err := s.ss.Stop(ctx); err != nil {
			s.logger.Warn("Stop failed", "error", err)
		}
		close(s.done)
		s.logger.Info("Device server offline")
	})
}

// Done is closed once the server is offline.
func (s *Server) Done() <-chan struct{} { return s.done }

// ID returns the server id.
func (s *Server) ID() string { return s.id }

// SignalSlotable returns the server's broker identity.
func (s *Server) SignalSlotable() *signalslot.SignalSlotable { return s.ss }

// Classes returns the class registry.
func (s *Server) Classes() *device.Registry { return s.classes }

// Devices returns the hosted device ids in creation order.
func (s *Server) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// Device returns a hosted device.
func (s *Server) Device(id string) (*device.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

// SetLogLevel changes the server's priority and that of every hosted
// device.
func (s *Server) SetLogLevel(l device.LogLevel) {
	s.level.Set(l.Level())
	s.ss.UpdateInstanceInfo(hash.New().Put("log", string(l)))
	for _, id := range s.Devices() {
		if d, ok := s.Device(id); ok {
			d.SetLogLevel(l)
		}
	}
	s.logger.Info("Log level changed", "level", string(l))
}

// LogLevel returns the server's logging priority.
func (s *Server) LogLevel() device.LogLevel { return device.LevelOf(s.level.Level()) }
