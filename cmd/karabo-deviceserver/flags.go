package main

import (
	"flag"
	"fmt"
	"io"
	"time"
)

// CLIConfig holds the process flags. Server settings stay in Tokens as
// key=value pairs for config.ParseServerArgs.
type CLIConfig struct {
	ShutdownTimeout time.Duration
	ConnectTimeout  time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Tokens          []string
}

func parseFlags(argv []string, output io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(output)

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"Time allowed for devices to shut down")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", 10*time.Second,
		"Time allowed to reach a broker")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.Usage = func() { printHelp(output) }

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	if cfg.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("invalid connect timeout: %s", cfg.ConnectTimeout)
	}
	cfg.Tokens = fs.Args()
	return cfg, nil
}

func printHelp(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - Karabo device server

Usage: %s [options] [key=value ...]

Options:
  -shutdown-timeout  Time allowed for devices to shut down (30s)
  -connect-timeout   Time allowed to reach a broker (10s)
  -version, -v       Show version information
  -help, -h          Show help information

Arguments:
  serverId=<id>              Server instance id (<host>_Server_<pid>)
  init=<json>                Devices to start: {"id": {"classId": "X", "configuration": {...}}}
  pluginNamespace=<ns>       Namespace scanned for device classes
  deviceClasses=<a,b>        Classes to offer, all when empty
  scanPlugins=<bool>         Rescan the namespace periodically (true)
  timeServerId=<id>          Instance whose time ticks drive the clock
  serverFlags=<a,b>          Flags published in the instance info
  heartbeatInterval=<s>      Heartbeat interval in seconds, at least 10 (20)
  visibility=<n>             Visibility published in the instance info (4)
  log.level=<level>          DEBUG, INFO, WARN or ERROR
  dataDir=<dir>              Directory for last device configurations
  config=<file.yaml>         Load the arguments above from YAML

Environment:
  KARABO_BROKER, KARABO_BROKER_TOPIC, KARABO_LOG_LEVEL, KARABO_LOG_FORMAT,
  KARABO_METRICS_PORT, KARABO_MAX_BUFFERED_MESSAGES, KARABO_MAX_QUEUED_PER_PEER

Exit codes:
  0 clean shutdown, 65 invalid arguments, 78 broker unreachable, 1 otherwise

Version: %s
Build: %s
`, appName, appName, Version, BuildTime)
}
