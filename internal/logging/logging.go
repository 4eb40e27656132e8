// Package logging constructs the process-wide structured logger. Both
// ffarm-master and ffarm-worker call New once at startup and pass the
// result to the components that log.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text-handler slog.Logger at the given level ("debug",
// "info", "warn", or "error"; unrecognized values fall back to "info").
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
