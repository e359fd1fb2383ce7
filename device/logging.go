package device

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c360/karabo/errors"
)

// LogLevel is a logger priority as sent to slotLoggerPriority.
type LogLevel string

// Log levels.
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// ParseLogLevel accepts the level names in any case; WARNING is an alias
// of WARN.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LogLevelDebug, nil
	case "INFO":
		return LogLevelInfo, nil
	case "WARN", "WARNING":
		return LogLevelWarn, nil
	case "ERROR":
		return LogLevelError, nil
	}
	return "", errors.Newf(errors.Conversion, "unknown log level %q", s)
}

// Level converts l to a slog level.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelOf is the inverse of Level.
func LevelOf(l slog.Level) LogLevel {
	switch {
	case l <= slog.LevelDebug:
		return LogLevelDebug
	case l <= slog.LevelInfo:
		return LogLevelInfo
	case l <= slog.LevelWarn:
		return LogLevelWarn
	default:
		return LogLevelError
	}
}

// levelHandler filters records by its own level and hands the rest to the
// wrapped handler, so every device can change its priority independently
// of the process-wide handler.
type levelHandler struct {
	level *slog.LevelVar
	inner slog.Handler
}

// WithLevel returns a logger that logs through base's handler at the
// priority held by level.
func WithLevel(base *slog.Logger, level *slog.LevelVar) *slog.Logger {
	h := base.Handler()
	if lh, ok := h.(*levelHandler); ok {
		h = lh.inner
	}
	return slog.New(&levelHandler{level: level, inner: h})
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, inner: h.inner.WithGroup(name)}
}
