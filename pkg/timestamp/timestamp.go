// Package timestamp provides Karabo epoch stamps and timestamps.
//
// An Epochstamp is a point in time as (seconds, attoseconds) since the Unix
// epoch. A Timestamp adds the train id supplied by a time server. Both
// travel as node attributes named sec, frac and tid.
//
// Zero Value Semantics:
//   - An Epochstamp of (0, 0) means "not set"
//   - A train id of 0 means "no time server reference"
//
// Usage Examples:
//
//	ts := timestamp.Now()
//	ts.ToAttributes(node.Attributes())
//	back, ok := timestamp.FromAttributes(node.Attributes())
package timestamp

import (
	"fmt"
	"time"

	"github.com/c360/karabo/hash"
)

// Attribute names used on Hash nodes.
const (
	AttrSec  = "sec"
	AttrFrac = "frac"
	AttrTid  = "tid"
)

// AttosecondsPerNanosecond converts between Go durations and fractions.
const AttosecondsPerNanosecond = 1_000_000_000

const attosecondsPerSecond = AttosecondsPerNanosecond * uint64(time.Second)

// Epochstamp is seconds plus attoseconds since the Unix epoch.
type Epochstamp struct {
	Sec  uint64
	Frac uint64
}

// NowEpoch returns the current wall time.
func NowEpoch() Epochstamp {
	return FromTime(time.Now())
}

// FromTime converts a time.Time. Times before the epoch clamp to zero.
func FromTime(t time.Time) Epochstamp {
	if t.IsZero() || t.Unix() < 0 {
		return Epochstamp{}
	}
	return Epochstamp{Sec: uint64(t.Unix()), Frac: uint64(t.Nanosecond()) * AttosecondsPerNanosecond}
}

// Time converts back to a time.Time with nanosecond precision.
func (e Epochstamp) Time() time.Time {
	if e.IsZero() {
		return time.Time{}
	}
	return time.Unix(int64(e.Sec), int64(e.Frac/AttosecondsPerNanosecond)).UTC()
}

// IsZero reports whether the stamp is unset.
func (e Epochstamp) IsZero() bool {
	return e.Sec == 0 && e.Frac == 0
}

// Add returns e shifted by d. The result never goes below the epoch.
func (e Epochstamp) Add(d time.Duration) Epochstamp {
	if d < 0 {
		shift := uint64(-d) * AttosecondsPerNanosecond
		secs, frac := shift/attosecondsPerSecond, shift%attosecondsPerSecond
		if secs > e.Sec || (secs == e.Sec && frac > e.Frac) {
			return Epochstamp{}
		}
		out := Epochstamp{Sec: e.Sec - secs}
		if frac > e.Frac {
			out.Sec--
			out.Frac = attosecondsPerSecond - (frac - e.Frac)
		} else {
			out.Frac = e.Frac - frac
		}
		return out
	}
	shift := uint64(d) * AttosecondsPerNanosecond
	frac := e.Frac + shift%attosecondsPerSecond
	return Epochstamp{
		Sec:  e.Sec + shift/attosecondsPerSecond + frac/attosecondsPerSecond,
		Frac: frac % attosecondsPerSecond,
	}
}

// Sub returns e - o with nanosecond precision.
func (e Epochstamp) Sub(o Epochstamp) time.Duration {
	secs := time.Duration(int64(e.Sec)-int64(o.Sec)) * time.Second
	nanos := time.Duration(int64(e.Frac/AttosecondsPerNanosecond) - int64(o.Frac/AttosecondsPerNanosecond))
	return secs + nanos
}

// Before reports whether e is earlier than o.
func (e Epochstamp) Before(o Epochstamp) bool {
	return e.Sec < o.Sec || (e.Sec == o.Sec && e.Frac < o.Frac)
}

// String formats as RFC3339 with nanoseconds; the zero stamp is "".
func (e Epochstamp) String() string {
	if e.IsZero() {
		return ""
	}
	return e.Time().Format(time.RFC3339Nano)
}

// Timestamp is an Epochstamp plus a train id.
type Timestamp struct {
	Epochstamp
	TrainID uint64
}

// Now returns the current time without train id.
func Now() Timestamp {
	return Timestamp{Epochstamp: NowEpoch()}
}

// New builds a timestamp from its parts.
func New(e Epochstamp, trainID uint64) Timestamp {
	return Timestamp{Epochstamp: e, TrainID: trainID}
}

// String includes the train id when set.
func (t Timestamp) String() string {
	if t.TrainID == 0 {
		return t.Epochstamp.String()
	}
	return fmt.Sprintf("%s tid=%d", t.Epochstamp, t.TrainID)
}

// ToAttributes writes sec, frac and tid onto a node's attributes.
func (t Timestamp) ToAttributes(a *hash.Attributes) {
	_ = a.Set(AttrSec, t.Sec)
	_ = a.Set(AttrFrac, t.Frac)
	_ = a.Set(AttrTid, t.TrainID)
}

// FromAttributes reads a timestamp back. It reports false when sec or frac
// is missing or not convertible to UINT64.
func FromAttributes(a *hash.Attributes) (Timestamp, bool) {
	sec, err := a.GetAs(AttrSec, hash.UInt64)
	if err != nil {
		return Timestamp{}, false
	}
	frac, err := a.GetAs(AttrFrac, hash.UInt64)
	if err != nil {
		return Timestamp{}, false
	}
	ts := Timestamp{Epochstamp: Epochstamp{Sec: sec.(uint64), Frac: frac.(uint64)}}
	if tid, err := a.GetAs(AttrTid, hash.UInt64); err == nil {
		ts.TrainID = tid.(uint64)
	}
	return ts, true
}

// ToHash returns {sec, frac, tid}, the form used in slot replies.
func (t Timestamp) ToHash() *hash.Hash {
	return hash.New().Put(AttrSec, t.Sec).Put(AttrFrac, t.Frac).Put(AttrTid, t.TrainID)
}

// FromHash reads the form produced by ToHash.
func FromHash(h *hash.Hash) (Timestamp, bool) {
	if h == nil {
		return Timestamp{}, false
	}
	sec, err := h.GetAs(AttrSec, hash.UInt64)
	if err != nil {
		return Timestamp{}, false
	}
	frac, err := h.GetAs(AttrFrac, hash.UInt64)
	if err != nil {
		return Timestamp{}, false
	}
	ts := Timestamp{Epochstamp: Epochstamp{Sec: sec.(uint64), Frac: frac.(uint64)}}
	if tid, err := h.GetAs(AttrTid, hash.UInt64); err == nil {
		ts.TrainID = tid.(uint64)
	}
	return ts, true
}
