package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/c360/karabo/device"
	"github.com/c360/karabo/errors"
)

// EnvPrefix is prepended to every environment variable read by LoadEnv.
const EnvPrefix = "KARABO"

// Log formats accepted in KARABO_LOG_FORMAT.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// DefaultTopic is the broker topic when neither KARABO_BROKER_TOPIC nor
// USER is set.
const DefaultTopic = "karabo"

// Env is the process environment shared by every Karabo binary.
type Env struct {
	// Broker lists the broker URLs, tried in order.
	Broker []string `envconfig:"BROKER" default:"mem://local"`
	// Topic defaults to $USER, then DefaultTopic.
	Topic     string `envconfig:"BROKER_TOPIC"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	// MetricsPort serves /metrics when non-zero.
	MetricsPort         int `envconfig:"METRICS_PORT" default:"0"`
	MaxBufferedMessages int `envconfig:"MAX_BUFFERED_MESSAGES" default:"1000"`
	MaxQueuedPerPeer    int `envconfig:"MAX_QUEUED_PER_PEER" default:"1000"`
}

// LoadEnv reads the KARABO_* variables, applies defaults and validates the
// result.
func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "LoadEnv", "process environment")
	}
	env.Broker = splitList(strings.Join(env.Broker, ","))
	if env.Topic == "" {
		env.Topic = os.Getenv("USER")
	}
	if env.Topic == "" {
		env.Topic = DefaultTopic
	}
	env.LogFormat = strings.ToLower(strings.TrimSpace(env.LogFormat))
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the values LoadEnv cannot check through types alone.
func (e *Env) Validate() error {
	if len(e.Broker) == 0 {
		return invalidEnv("BROKER", "at least one broker URL is required")
	}
	for _, raw := range e.Broker {
		u, err := url.Parse(raw)
		if err != nil {
			return invalidEnv("BROKER", err.Error())
		}
		if u.Scheme == "" {
			return invalidEnv("BROKER", fmt.Sprintf("%q has no scheme", raw))
		}
	}
	if e.Topic == "" {
		return invalidEnv("BROKER_TOPIC", "topic cannot be empty")
	}
	if _, err := device.ParseLogLevel(e.LogLevel); err != nil {
		return invalidEnv("LOG_LEVEL", err.Error())
	}
	if e.LogFormat != LogFormatText && e.LogFormat != LogFormatJSON {
		return invalidEnv("LOG_FORMAT", fmt.Sprintf("%q is neither json nor text", e.LogFormat))
	}
	if e.MetricsPort < 0 || e.MetricsPort > 65535 {
		return invalidEnv("METRICS_PORT", fmt.Sprintf("%d is out of range", e.MetricsPort))
	}
	if e.MaxBufferedMessages <= 0 {
		return invalidEnv("MAX_BUFFERED_MESSAGES", "must be positive")
	}
	if e.MaxQueuedPerPeer <= 0 {
		return invalidEnv("MAX_QUEUED_PER_PEER", "must be positive")
	}
	return nil
}

// Level returns the validated KARABO_LOG_LEVEL.
func (e *Env) Level() device.LogLevel {
	l, err := device.ParseLogLevel(e.LogLevel)
	if err != nil {
		return device.LogLevelInfo
	}
	return l
}

// Clone returns a copy that shares nothing with e.
func (e *Env) Clone() *Env {
	if e == nil {
		return nil
	}
	c := *e
	c.Broker = append([]string(nil), e.Broker...)
	return &c
}

func invalidEnv(name, msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s_%s: %s", errors.ErrInvalidConfig, EnvPrefix, name, msg),
		"Config", "Validate", "check "+EnvPrefix+"_"+name)
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
