package server

import (
	"time"

	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/pkg/timestamp"
)

// TimeTick sets the time reference: train trainID started at sec.frac and
// trains follow every period microseconds. Train id 0 clears the
// reference.
func (s *Server) TimeTick(trainID, sec, frac, period uint64) {
	s.timeMu.Lock()
	defer s.timeMu.Unlock()
	if trainID == 0 {
		s.ref = nil
		return
	}
	ref := timestamp.New(timestamp.Epochstamp{Sec: sec, Frac: frac}, trainID)
	s.ref = &ref
	s.refAt = time.Now()
	s.period = time.Duration(period) * time.Microsecond
}

// Now is the server clock: the last time reference advanced by the time
// elapsed since it arrived, with the train id counted on. Without a
// reference it is the local time.
func (s *Server) Now() timestamp.Timestamp {
	s.timeMu.RLock()
	defer s.timeMu.RUnlock()
	if s.ref == nil {
		return timestamp.Now()
	}
	elapsed := time.Since(s.refAt)
	tid := s.ref.TrainID
	if s.period > 0 {
		tid += uint64(elapsed / s.period)
	}
	return timestamp.New(s.ref.Epochstamp.Add(elapsed), tid)
}

// Reference returns the last time reference.
func (s *Server) Reference() (timestamp.Timestamp, bool) {
	s.timeMu.RLock()
	defer s.timeMu.RUnlock()
	if s.ref == nil {
		return timestamp.Timestamp{}, false
	}
	return *s.ref, true
}

// timeInfo is the slotGetTime answer of the server and its devices.
func (s *Server) timeInfo() *hash.Hash {
	out := hash.New().Put("time", s.Now().ToHash())
	if ref, ok := s.Reference(); ok {
		out.Put("reference", ref.ToHash())
	}
	server := s.cfg.TimeServerID
	if server == "" {
		server = "None"
	}
	return out.Put("timeServerId", server)
}
