package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"

	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
)

// Replies of slotStartDevice for rejected requests.
const (
	ReplyClassUnknown = "class unknown"
	ReplyIDInUse      = "id in use"
)

// ErrStartFailed marks a device that passed validation but did not come
// online.
var ErrStartFailed = stderrors.New("device failed to start")

// Instantiation outcomes recorded in metrics.
const (
	outcomeStarted  = "started"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// StartDevice instantiates a device. It fails with class-unknown, id-in-use,
// the validation error of the configuration, or ErrStartFailed when the
// device did not come online. Concurrent requests for one id are
// serialized: exactly one proceeds.
func (s *Server) StartDevice(ctx context.Context, req StartRequest) (string, error) {
	class, ok := s.classes.Class(req.ClassID)
	if !ok {
		s.metrics.RecordInstantiation(s.id, outcomeRejected)
		return "", errors.Newf(errors.ClassUnknown, "class %s is not known to %s", req.ClassID, s.id)
	}
	id, err := s.reserve(req)
	if err != nil {
		s.metrics.RecordInstantiation(s.id, outcomeRejected)
		return "", err
	}
	defer s.release(id)

	sc, err := s.classes.Schema(req.ClassID)
	if err != nil {
		return "", err
	}
	d, err := device.New(device.Config{
		Class:             class,
		Schema:            sc,
		DeviceID:          id,
		ServerID:          s.id,
		Configuration:     req.Configuration,
		Session:           s.ss.Session(),
		Logger:            s.cfg.Logger,
		LogLevel:          s.LogLevel(),
		MetricsRegistry:   s.cfg.MetricsRegistry,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatJitter:   s.cfg.HeartbeatJitter,
		RequestTimeout:    s.cfg.RequestTimeout,
		PingTimeout:       s.cfg.PingTimeout,
		MaxQueuedPerPeer:  s.cfg.MaxQueuedPerPeer,
		Hostname:          s.cfg.Hostname,
		Clock:             s.Now,
		TimeInfo:          s.timeInfo,
		OnKilled:          s.forget,
	})
	if err != nil {
		if errors.KindOf(err) == errors.RemoteError {
			s.metrics.RecordInstantiation(s.id, outcomeFailed)
			return "", fmt.Errorf("%w: %w", ErrStartFailed, err)
		}
		s.metrics.RecordInstantiation(s.id, outcomeRejected)
		return "", err
	}

	// Registered before Start so that OnKilled from a failed initialization
	// finds it.
	s.mu.Lock()
	if s.killing {
		s.mu.Unlock()
		s.metrics.RecordInstantiation(s.id, outcomeRejected)
		return "", errors.Newf(errors.Cancelled, "%s is shutting down", s.id)
	}
	s.devices[id] = d
	s.order = append(s.order, id)
	s.mu.Unlock()

	if err := d.Start(ctx); err != nil {
		s.forget(id)
		s.metrics.RecordInstantiation(s.id, outcomeFailed)
		s.logger.Error("Device did not start", "deviceId", id, "classId", req.ClassID, "error", err)
		return "", fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	s.metrics.RecordInstantiation(s.id, outcomeStarted)
	s.metrics.RecordHostedDevices(s.id, len(s.Devices()))
	s.logger.Info("Device started", "deviceId", id, "classId", req.ClassID)

	if err := s.persist(req.ClassID, d); err != nil {
		s.logger.Warn("Configuration not persisted", "deviceId", id, "error", err)
	}
	return id, nil
}

// reserve claims the device id, generating one when none was given.
func (s *Server) reserve(req StartRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killing {
		return "", errors.Newf(errors.Cancelled, "%s is shutting down", s.id)
	}
	id := req.DeviceID
	if id == "" {
		for {
			id = fmt.Sprintf("%s_%s_%d", s.id, req.ClassID, s.serial.Add(1))
			if !s.inUseLocked(id) {
				break
			}
		}
	}
	if s.inUseLocked(id) {
		return "", errors.Newf(errors.IDInUse, "%s is already in use", id)
	}
	s.starting[id] = true
	s.starts.Add(1)
	return id, nil
}

func (s *Server) inUseLocked(id string) bool {
	if s.starting[id] || s.devices[id] != nil {
		return true
	}
	return id == s.id || s.ss.Topology().Has(id)
}

func (s *Server) release(id string) {
	s.mu.Lock()
	delete(s.starting, id)
	s.mu.Unlock()
	s.starts.Done()
}

// forget drops a device that went offline.
func (s *Server) forget(id string) {
	s.mu.Lock()
	delete(s.devices, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	n := len(s.order)
	s.mu.Unlock()
	s.metrics.RecordHostedDevices(s.id, n)
}

// KillDevice takes a hosted device offline. It reports false when the
// server does not host id.
func (s *Server) KillDevice(ctx context.Context, id string) bool {
	d, ok := s.Device(id)
	if !ok {
		return false
	}
	d.Kill(ctx)
	return true
}

// parseStartRequest reads {classId, deviceId?, configuration?}.
func parseStartRequest(h *hash.Hash) (StartRequest, error) {
	var req StartRequest
	var err error
	if req.ClassID, err = hash.As[string](h, "classId"); err != nil {
		return req, errors.WithKind(errors.SchemaInvalid, err, "classId")
	}
	if h.Has("deviceId") {
		if req.DeviceID, err = hash.As[string](h, "deviceId"); err != nil {
			return req, errors.WithKind(errors.SchemaInvalid, err, "deviceId")
		}
	}
	if h.Has("configuration") {
		if req.Configuration, err = hash.As[*hash.Hash](h, "configuration"); err != nil {
			return req, errors.WithKind(errors.SchemaInvalid, err, "configuration")
		}
	}
	return req, nil
}
