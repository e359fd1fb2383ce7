package server

import (
	"os"
	"path/filepath"

	"github.com/c360/karabo/codec"
	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/hash"
	"github.com/c360/karabo/schema"
)

// ConfigurationPath is where the last configuration of deviceID is kept.
func ConfigurationPath(dataDir, serverID, deviceID string) string {
	return filepath.Join(dataDir, serverID, deviceID+".xml")
}

// persist writes the initial configuration of d as {classId: config} in
// XML. Read-only and internal values are left out.
func (s *Server) persist(classID string, d *device.Device) error {
	if s.cfg.DataDir == "" {
		return nil
	}
	cfg := schema.SanitizeInit(d.Schema(), d.Configuration())
	data, err := codec.EncodeXML(hash.New().Put(classID, cfg))
	if err != nil {
		return errors.Wrap(err, "Server", "persist", "encode "+d.ID())
	}
	path := ConfigurationPath(s.cfg.DataDir, s.id, d.ID())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.WrapTransient(err, "Server", "persist", "create data directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapTransient(err, "Server", "persist", "write "+path)
	}
	return nil
}

// LoadConfiguration reads a configuration written by a server and returns
// it as a StartRequest.
func LoadConfiguration(dataDir, serverID, deviceID string) (StartRequest, error) {
	path := ConfigurationPath(dataDir, serverID, deviceID)
	data, err := os.ReadFile(path)
	if err != nil {
		return StartRequest{}, errors.WrapInvalid(err, "Server", "LoadConfiguration", "read "+path)
	}
	h, err := codec.DecodeXML(data)
	if err != nil {
		return StartRequest{}, err
	}
	nodes := h.Nodes()
	if len(nodes) != 1 {
		return StartRequest{}, errors.Newf(errors.Format, "%s: expected one class, found %d", path, len(nodes))
	}
	cfg, ok := nodes[0].Value().(*hash.Hash)
	if !ok {
		return StartRequest{}, errors.Newf(errors.Format, "%s: configuration is not a hash", path)
	}
	return StartRequest{ClassID: nodes[0].Key(), DeviceID: deviceID, Configuration: cfg}, nil
}
