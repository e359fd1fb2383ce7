package signalslot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/metric"
	"github.com/c360/karabo/pkg/timestamp"
	"github.com/c360/karabo/pkg/worker"
	"github.com/c360/karabo/topology"
)

// Defaults applied by New.
const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultPingTimeout       = time.Second
	DefaultMaxQueuedPerPeer  = 1000
	DefaultParallelWorkers   = 4
)

// dropWarnInterval limits how often dropped inbound messages are logged.
const dropWarnInterval = time.Second

const headerTimestamp = "timestamp"

var validID = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// ValidID reports whether id may be used as an instance id.
func ValidID(id string) bool { return validID.MatchString(id) }

// Config configures a SignalSlotable.
type Config struct {
	InstanceID string
	// Type is the instance type published in the instance info: "device",
	// "server" or "client".
	Type string
	// Info seeds the instance info. type and heartbeatInterval are added.
	Info *hash.Hash

	HeartbeatInterval time.Duration
	// HeartbeatJitter is the topology allowance on top of two missed
	// heartbeats. Zero means topology.DefaultJitter.
	HeartbeatJitter time.Duration
	RequestTimeout  time.Duration
	// PingTimeout bounds the startup uniqueness check. Negative skips it.
	PingTimeout time.Duration
	// MaxQueuedPerPeer bounds the inbound queue of every peer. Beyond it
	// the oldest message is dropped and signalSignalDrop is emitted.
	MaxQueuedPerPeer int
	ParallelWorkers  int
	// NoBroadcasts skips the broadcast subscription. Such an instance does
	// not track topology.
	NoBroadcasts bool

	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// OnError receives the session's transport errors while the instance
	// runs.
	OnError func(error)
}

// OutputChannelLookup returns the connection info of a named output
// channel, used to answer slotGetOutputChannelInformation.
type OutputChannelLookup func(name string) (*hash.Hash, bool)

// SignalSlotable is the broker identity of one device, server or client:
// it owns the slot table, the signals, pending requests and the topology
// seen from this instance.
type SignalSlotable struct {
	id       string
	cfg      Config
	session  *broker.Session
	logger   *slog.Logger
	metrics  *metric.Metrics
	topo     *topology.Cache
	exec     *executor
	hostName string

	dropWarn       *rate.Limiter
	dropSuppressed atomic.Int64
	userName       string

	mu          sync.RWMutex
	slots       map[string]*slot
	signals     map[string][]subscriber
	connections []connection
	info        *hash.Hash
	channels    OutputChannelLookup

	pendingMu sync.Mutex
	pending   map[string]*Reply

	lifeMu  sync.Mutex
	started bool
	stopped bool
	nonce   atomic.Int32
	subs    []*broker.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	untrack func()
	// unhook removes the transport error handler registered by Start.
	unhook func()
}

// New creates a SignalSlotable on session. Several instances may share one
// session. Nothing is sent until Start.
func New(session *broker.Session, cfg Config) *SignalSlotable {
	if cfg.Type == "" {
		cfg.Type = topology.Client
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.MaxQueuedPerPeer <= 0 {
		cfg.MaxQueuedPerPeer = DefaultMaxQueuedPerPeer
	}
	if cfg.ParallelWorkers <= 0 {
		cfg.ParallelWorkers = DefaultParallelWorkers
	}
	if cfg.HeartbeatJitter <= 0 {
		cfg.HeartbeatJitter = topology.DefaultJitter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()

	s := &SignalSlotable{
		id:       cfg.InstanceID,
		cfg:      cfg,
		session:  session,
		logger:   logger.With("component", "signalslot", "instanceId", cfg.InstanceID),
		metrics:  cfg.MetricsRegistry.CoreMetrics(),
		hostName: host,
		userName: os.Getenv("USER"),
		slots:    make(map[string]*slot),
		signals:  make(map[string][]subscriber),
		pending:  make(map[string]*Reply),
		dropWarn: rate.NewLimiter(rate.Every(dropWarnInterval), 1),
	}
	s.topo = topology.New(topology.WithJitter(cfg.HeartbeatJitter), topology.WithMetrics(s.metrics, cfg.InstanceID))
	s.exec = newExecutor(cfg.MaxQueuedPerPeer, cfg.ParallelWorkers, s.onDropped)

	s.info = hash.New()
	if cfg.Info != nil {
		s.info = cfg.Info.Clone()
	}
	s.info.Put(topology.InfoType, cfg.Type)
	s.info.Put(topology.InfoHeartbeatInterval, intervalValue(cfg.HeartbeatInterval))
	if !s.info.Has("host") {
		s.info.Put("host", host)
	}

	s.RegisterSignal(SignalSignalDrop)
	s.registerStandardSlots()
	return s
}

// intervalValue renders d as whole seconds, or fractional seconds when d
// is shorter than a second.
func intervalValue(d time.Duration) any {
	if d%time.Second == 0 {
		return int32(d / time.Second)
	}
	return d.Seconds()
}

// ID returns the instance id.
func (s *SignalSlotable) ID() string { return s.id }

// Logger returns the instance logger.
func (s *SignalSlotable) Logger() *slog.Logger { return s.logger }

// Topology returns the topology cache fed by this instance.
func (s *SignalSlotable) Topology() *topology.Cache { return s.topo }

// Dropped returns how many inbound messages were discarded because a peer
// outran its queue.
func (s *SignalSlotable) Dropped() uint64 { return s.exec.drops.Load() }

// DispatchStats describes the inbound queues of a SignalSlotable.
type DispatchStats struct {
	Queued   int    // messages waiting across all peer queues
	Peers    int    // peers with queued messages
	Dropped  uint64 // messages evicted by full peer queues
	Parallel worker.Stats
}

// DispatchStats returns a snapshot of the inbound executor.
func (s *SignalSlotable) DispatchStats() DispatchStats { return s.exec.stats() }

// Session returns the broker session.
func (s *SignalSlotable) Session() *broker.Session { return s.session }

// HeartbeatInterval returns the configured heartbeat interval.
func (s *SignalSlotable) HeartbeatInterval() time.Duration { return s.cfg.HeartbeatInterval }

// Info returns a copy of the instance info.
func (s *SignalSlotable) Info() *hash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Clone()
}

// SetOutputChannels installs the lookup behind
// slotGetOutputChannelInformation.
func (s *SignalSlotable) SetOutputChannels(lookup OutputChannelLookup) {
	s.mu.Lock()
	s.channels = lookup
	s.mu.Unlock()
}

// TrackInstances registers callbacks for topology changes. The returned
// function removes them.
func (s *SignalSlotable) TrackInstances(t topology.Tracker) (untrack func()) {
	return s.topo.Track(t)
}

// Start subscribes, makes sure no live instance uses the same id, announces
// the instance with instanceNew and starts heartbeats.
func (s *SignalSlotable) Start(ctx context.Context) error {
	if !ValidID(s.id) {
		return errors.WrapInvalid(fmt.Errorf("instance id %q must match %s", s.id, validID), "SignalSlotable", "Start", "validate instance id")
	}
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return errors.WrapInvalid(fmt.Errorf("%s already started", s.id), "SignalSlotable", "Start", "check state")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := s.exec.start(runCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "SignalSlotable", "Start", "start executor")
	}
	routes := []broker.Route{broker.InstanceRoute(s.id)}
	if !s.cfg.NoBroadcasts {
		routes = append(routes, broker.BroadcastRoute())
	}
	for _, r := range routes {
		sub, err := s.session.Subscribe(r, s.onMessage)
		if err != nil {
			s.unsubscribeLocked()
			cancel()
			s.exec.stop()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.untrack = s.topo.Track(topology.Tracker{
		Gone: func(id string, _ *hash.Hash, synthetic bool) {
			reason := "announced instanceGone"
			if synthetic {
				reason = "missed heartbeats"
			}
			s.failPending(errors.Newf(errors.TargetGone, "%s is gone (%s)", id, reason),
				func(r *Reply) bool { return r.target == id })
		},
	})

	if s.cfg.PingTimeout > 0 {
		if err := s.checkUnique(ctx); err != nil {
			s.untrack()
			s.unsubscribeLocked()
			cancel()
			s.exec.stop()
			return err
		}
	}

	s.started = true
	s.cancel = cancel
	s.unhook = s.session.AddErrorHandler(s.TransportError)
	if err := s.Call(ctx, broker.Everyone, "slotInstanceNew", s.id, s.Info()); err != nil {
		s.logger.Warn("Failed to announce instance", "error", err)
	}
	s.wg.Add(2)
	go s.heartbeats(runCtx)
	go s.sweep(runCtx)
	s.logger.Info("Instance started", "type", s.cfg.Type)
	return nil
}

// checkUnique pings our own id. Any answer comes from another live
// instance with the same id.
func (s *SignalSlotable) checkUnique(ctx context.Context) error {
	nonce := int32(uuid.New().ID()&0x7fffffff) | 1
	s.nonce.Store(nonce)
	args, err := s.Request(ctx, s.id, "slotPing", s.id, nonce, false).WithTimeout(s.cfg.PingTimeout).Wait(ctx)
	switch {
	case err == nil:
		host := ""
		if info, ok := firstHash(args); ok {
			v, _ := info.Get("host")
			host, _ = v.(string)
		}
		return errors.Newf(errors.IDInUse, "instance %s is already running on host %q", s.id, host)
	case errors.KindOf(err) == errors.Timeout:
		return nil
	default:
		return err
	}
}

func firstHash(args Args) (*hash.Hash, bool) {
	if len(args) == 0 {
		return nil, false
	}
	h, ok := args[0].(*hash.Hash)
	return h, ok
}

// Stop announces instanceGone, cancels every pending request with
// cancelled and stops dispatching. The session stays open.
func (s *SignalSlotable) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	if err := s.Call(ctx, broker.Everyone, "slotInstanceGone", s.id, s.Info()); err != nil {
		s.logger.Warn("Failed to announce instanceGone", "error", err)
	}
	s.unhook()
	s.failPending(errors.Newf(errors.Cancelled, "%s is shutting down", s.id), nil)
	s.untrack()
	s.cancel()
	s.unsubscribeLocked()
	s.exec.stop()
	s.wg.Wait()
	s.logger.Info("Instance stopped")
	return nil
}

func (s *SignalSlotable) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("Unsubscribe failed", "route", sub.Route().String(), "error", err)
		}
	}
	s.subs = nil
}

// TransportError passes err to Config.OnError. A transport-down error also
// fails every pending request, since no reply can arrive on the lost
// connection. Start registers it with the session.
func (s *SignalSlotable) TransportError(err error) {
	if errors.KindOf(err) == errors.TransportDown {
		s.failPending(err, nil)
	}
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

// UpdateInstanceInfo merges h into the instance info and broadcasts
// instanceUpdated.
func (s *SignalSlotable) UpdateInstanceInfo(h *hash.Hash) {
	s.mu.Lock()
	s.info.Merge(h, hash.ReplaceAttributes)
	info := s.info.Clone()
	s.mu.Unlock()

	s.lifeMu.Lock()
	live := s.started && !s.stopped
	s.lifeMu.Unlock()
	if !live {
		return
	}
	if err := s.Call(context.Background(), broker.Everyone, "slotInstanceUpdated", s.id, info); err != nil {
		s.logger.Warn("Failed to broadcast instance info", "error", err)
	}
}

// Discover asks every instance to answer with its instance info. Answers
// arrive asynchronously through slotPingAnswer and fill the topology.
func (s *SignalSlotable) Discover(ctx context.Context) error {
	return s.Call(ctx, broker.Everyone, "slotPing", s.id, int32(0), true)
}

func (s *SignalSlotable) heartbeats(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.Call(ctx, broker.Everyone, "slotHeartbeat", s.id, intervalValue(s.cfg.HeartbeatInterval), s.Info())
			if err != nil {
				s.logger.Debug("Heartbeat not sent", "error", err)
			}
		}
	}
}

// sweep expires instances whose heartbeats stopped.
func (s *SignalSlotable) sweep(ctx context.Context) {
	defer s.wg.Done()
	period := min(s.cfg.HeartbeatJitter/2, time.Second)
	ticker := time.NewTicker(max(period, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range s.topo.Expire() {
				s.logger.Info("Instance silent, declared gone", "instance", id)
				s.dropSubscriberInstance(id)
			}
		}
	}
}

// stampHeader attaches the send time: the value is UNIX seconds as a
// double, the attributes carry the exact epoch stamp.
func stampHeader(h *hash.Hash) {
	ts := timestamp.Now()
	h.Put(headerTimestamp, float64(ts.Time().UnixNano())/1e9)
	if attrs, ok := h.Attributes(headerTimestamp); ok {
		ts.ToAttributes(attrs)
	}
}
