// Package topology keeps the live view of a Karabo domain: which servers,
// devices and clients are alive and what their instance info says.
//
// The cache is fed by the broadcasts every instance sends (instanceNew,
// instanceUpdated, instanceGone, heartbeats and ping answers). Instances
// whose heartbeat is overdue by more than twice their interval plus a
// jitter allowance are removed by Expire with a synthetic gone event.
package topology

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/metric"
)

// Categories of the system topology.
const (
	Server = "server"
	Device = "device"
	Client = "client"
)

// Info keys the cache reads.
const (
	InfoType              = "type"
	InfoServerID          = "serverId"
	InfoHeartbeatInterval = "heartbeatInterval"
)

// DefaultJitter is added to twice the heartbeat interval before an instance
// counts as gone.
const DefaultJitter = 5 * time.Second

// CategoryOf maps the type field of an instance info to a category.
func CategoryOf(info *hash.Hash) string {
	v, _ := info.Get(InfoType)
	switch v {
	case Server:
		return Server
	case Device:
		return Device
	default:
		return Client
	}
}

// Tracker receives topology changes. Any field may be nil.
type Tracker struct {
	New     func(id string, info *hash.Hash)
	Updated func(id string, info *hash.Hash)
	// Gone reports removals. synthetic is true when the removal was caused
	// by missed heartbeats rather than an instanceGone broadcast.
	Gone func(id string, info *hash.Hash, synthetic bool)
}

type entry struct {
	id        string
	category  string
	info      *hash.Hash
	interval  time.Duration
	expiresAt time.Time
}

func (e *entry) isExpired(now time.Time) bool {
	return e.interval > 0 && now.After(e.expiresAt)
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithJitter sets the heartbeat allowance.
func WithJitter(d time.Duration) Option {
	return func(c *Cache) { c.jitter = d }
}

// WithMetrics reports entry counts under the owning instance id.
func WithMetrics(m *metric.Metrics, owner string) Option {
	return func(c *Cache) { c.metrics, c.owner = m, owner }
}

// Cache is the topology of one domain as seen by one instance. It is safe
// for concurrent use; tracker callbacks run without the lock held.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	trackers map[uint64]Tracker
	nextID   uint64

	now     func() time.Time
	jitter  time.Duration
	metrics *metric.Metrics
	owner   string
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]*entry),
		trackers: make(map[uint64]Tracker),
		now:      time.Now,
		jitter:   DefaultJitter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Track registers t and returns a function that removes it again.
func (c *Cache) Track(t Tracker) (untrack func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.trackers[id] = t
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.trackers, id)
		c.mu.Unlock()
	}
}

func (c *Cache) snapshotTrackers() []Tracker {
	out := make([]Tracker, 0, len(c.trackers))
	for _, t := range c.trackers {
		out = append(out, t)
	}
	return out
}

func heartbeatOf(info *hash.Hash) time.Duration {
	v, err := info.GetAs(InfoHeartbeatInterval, hash.Double)
	if err != nil {
		return 0
	}
	return time.Duration(v.(float64) * float64(time.Second))
}

// upsert must be called with mu held. It reports whether id was new.
func (c *Cache) upsert(id string, info *hash.Hash) (*entry, bool) {
	e, ok := c.entries[id]
	if !ok {
		e = &entry{id: id}
		c.entries[id] = e
	}
	e.info = info.Clone()
	e.category = CategoryOf(info)
	if iv := heartbeatOf(info); iv > 0 {
		e.interval = iv
	}
	e.expiresAt = c.now().Add(2*e.interval + c.jitter)
	return e, !ok
}

// InstanceNew inserts or replaces id. It also serves ping answers.
func (c *Cache) InstanceNew(id string, info *hash.Hash) {
	c.mu.Lock()
	e, isNew := c.upsert(id, info)
	snap := e.info.Clone()
	trackers := c.snapshotTrackers()
	c.recordLocked()
	c.mu.Unlock()

	for _, t := range trackers {
		switch {
		case isNew && t.New != nil:
			t.New(id, snap)
		case !isNew && t.Updated != nil:
			t.Updated(id, snap)
		}
	}
}

// InstanceUpdated merges info into the known info of id. Unknown ids are
// inserted.
func (c *Cache) InstanceUpdated(id string, info *hash.Hash) {
	c.mu.Lock()
	merged := info
	if e, ok := c.entries[id]; ok {
		merged = e.info.Clone()
		merged.Merge(info, hash.ReplaceAttributes)
	}
	e, isNew := c.upsert(id, merged)
	snap := e.info.Clone()
	trackers := c.snapshotTrackers()
	c.recordLocked()
	c.mu.Unlock()

	for _, t := range trackers {
		switch {
		case isNew && t.New != nil:
			t.New(id, snap)
		case !isNew && t.Updated != nil:
			t.Updated(id, snap)
		}
	}
}

// Heartbeat refreshes the deadline of id. A heartbeat from an unknown
// instance inserts it, so that instances started before this cache are
// still discovered. It reports whether id was new.
func (c *Cache) Heartbeat(id string, interval time.Duration, info *hash.Hash) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		if interval > 0 {
			e.interval = interval
		}
		e.expiresAt = c.now().Add(2*e.interval + c.jitter)
		c.mu.Unlock()
		return false
	}
	if info == nil {
		info = hash.New()
	}
	info = info.Clone()
	if !info.Has(InfoHeartbeatInterval) && interval > 0 {
		info.Put(InfoHeartbeatInterval, int32(interval/time.Second))
	}
	e, _ = c.upsert(id, info)
	if interval > 0 {
		e.interval = interval
		e.expiresAt = c.now().Add(2*interval + c.jitter)
	}
	snap := e.info.Clone()
	trackers := c.snapshotTrackers()
	c.recordLocked()
	c.mu.Unlock()

	for _, t := range trackers {
		if t.New != nil {
			t.New(id, snap)
		}
	}
	return true
}

// InstanceGone removes id. It reports whether id was known.
func (c *Cache) InstanceGone(id string) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, id)
	trackers := c.snapshotTrackers()
	c.recordLocked()
	c.mu.Unlock()

	for _, t := range trackers {
		if t.Gone != nil {
			t.Gone(id, e.info, false)
		}
	}
	return true
}

// Expire removes every instance whose heartbeat deadline has passed and
// returns their ids.
func (c *Cache) Expire() []string {
	now := c.now()
	c.mu.Lock()
	var gone []*entry
	for id, e := range c.entries {
		if e.isExpired(now) {
			gone = append(gone, e)
			delete(c.entries, id)
		}
	}
	if len(gone) == 0 {
		c.mu.Unlock()
		return nil
	}
	trackers := c.snapshotTrackers()
	c.recordLocked()
	c.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].id < gone[j].id })
	ids := make([]string, len(gone))
	for i, e := range gone {
		ids[i] = e.id
		for _, t := range trackers {
			if t.Gone != nil {
				t.Gone(e.id, e.info, true)
			}
		}
	}
	return ids
}

func (c *Cache) recordLocked() {
	if c.metrics == nil {
		return
	}
	counts := map[string]int{Server: 0, Device: 0, Client: 0}
	for _, e := range c.entries {
		counts[e.category]++
	}
	for k, n := range counts {
		c.metrics.RecordTopology(c.owner, k, n)
	}
}

// Has reports whether id is known.
func (c *Cache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns a copy of the instance info of id.
func (c *Cache) Get(id string) (*hash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.info.Clone(), true
}

func (c *Cache) ids(match func(*entry) bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for id, e := range c.entries {
		if match(e) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Devices returns the sorted device ids, optionally restricted to those
// hosted by serverID.
func (c *Cache) Devices(serverID ...string) []string {
	return c.ids(func(e *entry) bool {
		if e.category != Device {
			return false
		}
		if len(serverID) == 0 || serverID[0] == "" {
			return true
		}
		v, _ := e.info.Get(InfoServerID)
		return v == serverID[0]
	})
}

// FindDevices returns the device ids containing pattern, ignoring case.
func (c *Cache) FindDevices(pattern string) []string {
	p := strings.ToLower(pattern)
	return c.ids(func(e *entry) bool { return e.category == Device && strings.Contains(strings.ToLower(e.id), p) })
}

// Servers returns the sorted server ids.
func (c *Cache) Servers() []string {
	return c.ids(func(e *entry) bool { return e.category == Server })
}

// Clients returns the sorted client ids.
func (c *Cache) Clients() []string {
	return c.ids(func(e *entry) bool { return e.category == Client })
}

// SystemTopology returns {server: {id: info}, device: {...}, client: {...}}.
// Ids are top-level keys of their category, so they must not contain the
// path separator.
func (c *Cache) SystemTopology() *hash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := hash.New().Put(Server, hash.New()).Put(Device, hash.New()).Put(Client, hash.New())
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := c.entries[id]
		cat, _ := out.GetHash(e.category)
		if strings.Contains(id, hash.Separator) {
			continue
		}
		cat.Put(id, e.info.Clone())
	}
	return out
}
