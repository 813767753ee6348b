// Package telemetry builds the process logger, the Prometheus instruments
// and the cash drawer notifiers.
package telemetry

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger on stdout. "dev" logs at debug level.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env)
}

func NewLoggerTo(w io.Writer, env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "commission-engine", "env", env)
}
