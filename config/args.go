package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
	"github.com/c360/karabo/server"
	"github.com/c360/karabo/signalslot"
)

// Device server defaults.
const (
	DefaultHeartbeatInterval = 20 * time.Second
	MinHeartbeatInterval     = 10 * time.Second
)

// ServerArgs is the device server command line after parsing.
type ServerArgs struct {
	ServerID string
	// Init lists the devices to start, in the order given.
	Init              []server.StartRequest
	PluginNamespace   string
	TimeServerID      string
	ScanPlugins       bool
	ServerFlags       []string
	HeartbeatInterval time.Duration
	DeviceClasses     []string
	Visibility        int32
	// LogLevel overrides KARABO_LOG_LEVEL when set.
	LogLevel device.LogLevel
	DataDir  string
}

// DefaultServerArgs returns the values used for keys that are not given.
func DefaultServerArgs() ServerArgs {
	return ServerArgs{
		PluginNamespace:   device.DefaultNamespace,
		ScanPlugins:       true,
		HeartbeatInterval: DefaultHeartbeatInterval,
		Visibility:        server.DefaultVisibility,
	}
}

// ParseServerArgs parses key=value tokens:
//
//	serverId=<id> init=<json> pluginNamespace=<ns> timeServerId=<id>
//	scanPlugins=<bool> serverFlags=<a,b> heartbeatInterval=<seconds>
//	deviceClasses=<a,b> visibility=<n> log.level=<level> dataDir=<dir>
//	config=<file.yaml>
//
// A config token loads a YAML server file first; the other tokens override
// its values whatever their position. Every failure wraps
// errors.ErrInvalidConfig.
func ParseServerArgs(args []string) (ServerArgs, error) {
	var (
		keys   []string
		values = make(map[string]string)
		file   string
	)
	for _, tok := range args {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			return ServerArgs{}, invalidArg("ParseServerArgs", tok, "expected key=value")
		}
		if key == "config" {
			file = value
			continue
		}
		if _, seen := values[key]; !seen {
			keys = append(keys, key)
		}
		values[key] = value
	}

	out := DefaultServerArgs()
	if file != "" {
		var err error
		if out, err = LoadServerFile(file); err != nil {
			return ServerArgs{}, err
		}
	}
	for _, k := range keys {
		if err := out.set(k, values[k]); err != nil {
			return ServerArgs{}, err
		}
	}
	return out, nil
}

// LoadServerFile reads a YAML server file. It takes the same keys as the
// command line; init may be a mapping or a JSON string, and the list keys
// may be sequences or comma separated strings.
func LoadServerFile(path string) (ServerArgs, error) {
	data, err := readFile(path)
	if err != nil {
		return ServerArgs{}, invalidArg("LoadServerFile", path, err.Error())
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ServerArgs{}, invalidArg("LoadServerFile", path, err.Error())
	}
	out := DefaultServerArgs()
	if len(doc.Content) == 0 {
		return out, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return ServerArgs{}, invalidArg("LoadServerFile", path, "top level is not a mapping")
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, node := root.Content[i].Value, root.Content[i+1]
		if err := out.setNode(key, node); err != nil {
			return ServerArgs{}, err
		}
	}
	return out, nil
}

func (a *ServerArgs) setNode(key string, node *yaml.Node) error {
	switch {
	case key == "config":
		return invalidArg("LoadServerFile", key, "server files cannot include other files")
	case node.Kind == yaml.ScalarNode:
		return a.set(key, node.Value)
	case key == "init" && node.Kind == yaml.MappingNode:
		reqs, err := initFromYAML(node)
		if err != nil {
			return invalidArg("LoadServerFile", key, err.Error())
		}
		a.Init = reqs
		return nil
	case (key == "serverFlags" || key == "deviceClasses") && node.Kind == yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return invalidArg("LoadServerFile", key, err.Error())
		}
		return a.set(key, strings.Join(list, ","))
	}
	return invalidArg("LoadServerFile", key, "unexpected value")
}

func (a *ServerArgs) set(key, value string) error {
	switch key {
	case "serverId":
		if !signalslot.ValidID(value) {
			return invalidArg("ParseServerArgs", key, fmt.Sprintf("%q is not a valid instance id", value))
		}
		a.ServerID = value
	case "init":
		reqs, err := initFromJSON([]byte(value))
		if err != nil {
			return invalidArg("ParseServerArgs", key, err.Error())
		}
		a.Init = reqs
	case "pluginNamespace":
		a.PluginNamespace = value
	case "timeServerId":
		a.TimeServerID = value
	case "scanPlugins":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return invalidArg("ParseServerArgs", key, err.Error())
		}
		a.ScanPlugins = b
	case "serverFlags":
		a.ServerFlags = splitList(value)
	case "deviceClasses":
		a.DeviceClasses = splitList(value)
	case "heartbeatInterval":
		secs, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return invalidArg("ParseServerArgs", key, err.Error())
		}
		d := time.Duration(secs * float64(time.Second))
		if d < MinHeartbeatInterval {
			return invalidArg("ParseServerArgs", key, fmt.Sprintf("%s is below %s", d, MinHeartbeatInterval))
		}
		a.HeartbeatInterval = d
	case "visibility":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return invalidArg("ParseServerArgs", key, err.Error())
		}
		a.Visibility = int32(n)
	case "log.level":
		l, err := device.ParseLogLevel(value)
		if err != nil {
			return invalidArg("ParseServerArgs", key, err.Error())
		}
		a.LogLevel = l
	case "dataDir":
		a.DataDir = value
	default:
		return invalidArg("ParseServerArgs", key, "unknown argument")
	}
	return nil
}

// ServerConfig fills the server settings held by a. The caller adds the
// session, logging and metrics.
func (a ServerArgs) ServerConfig() server.Config {
	return server.Config{
		ServerID:          a.ServerID,
		PluginNamespace:   a.PluginNamespace,
		ScanPlugins:       a.ScanPlugins,
		DeviceClasses:     a.DeviceClasses,
		TimeServerID:      a.TimeServerID,
		Visibility:        a.Visibility,
		DataDir:           a.DataDir,
		Init:              a.Init,
		ServerFlags:       a.ServerFlags,
		LogLevel:          a.LogLevel,
		HeartbeatInterval: a.HeartbeatInterval,
	}
}

// initFromJSON decodes {deviceId: {classId, configuration?, ...}} keeping
// the order of the device ids.
func initFromJSON(data []byte) ([]server.StartRequest, error) {
	if err := validateInit(data); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected an object of devices")
	}
	var out []server.StartRequest
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		id := tok.(string)
		var entry map[string]any
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		req, err := startRequest(id, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after init object")
	}
	return out, nil
}

func initFromYAML(node *yaml.Node) ([]server.StartRequest, error) {
	var out []server.StartRequest
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var entry map[string]any
		if err := node.Content[i+1].Decode(&entry); err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		req, err := startRequest(id, entry)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// startRequest builds the request for one init entry. Keys other than
// classId and configuration are configuration values too.
func startRequest(id string, entry map[string]any) (server.StartRequest, error) {
	if !signalslot.ValidID(id) {
		return server.StartRequest{}, fmt.Errorf("%q is not a valid device id", id)
	}
	classID, ok := entry["classId"].(string)
	if !ok || classID == "" {
		return server.StartRequest{}, fmt.Errorf("%s: classId is required", id)
	}
	cfg := make(map[string]any, len(entry))
	if nested, present := entry["configuration"]; present {
		m, ok := nested.(map[string]any)
		if !ok {
			return server.StartRequest{}, fmt.Errorf("%s: configuration is not an object", id)
		}
		for k, v := range m {
			cfg[k] = v
		}
	}
	for k, v := range entry {
		if k != "classId" && k != "configuration" {
			cfg[k] = v
		}
	}
	h, err := toHash(cfg)
	if err != nil {
		return server.StartRequest{}, fmt.Errorf("%s: %w", id, err)
	}
	return server.StartRequest{ClassID: classID, DeviceID: id, Configuration: h}, nil
}

func invalidArg(method, key, msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s: %s", errors.ErrInvalidConfig, key, msg),
		"Config", method, "parse "+key)
}
