package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/c360/karabo/device"
)

func setupLogger(w io.Writer, level device.LogLevel, format string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level.Level(),
		AddSource: level == device.LogLevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
