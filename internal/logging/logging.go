// Package logging builds this daemon's structured logger.
package logging

import (
	"log/slog"
	"os"
)

// New builds a logger at the given level ("debug", "info", "warn",
// "error"). format selects "json" or "text" ("auto" and "" mean text,
// the common case for a daemon run from a terminal or a service
// supervisor that already timestamps and frames output).
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
