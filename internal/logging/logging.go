// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// Init installs a process-wide slog.Logger tagged with service and returns it.
// Any non-empty EDGECODER_JSON_LOG selects the JSON handler; unset or empty
// uses text.
// EDGECODER_LOG_LEVEL selects the level (debug|info|warn|error, default info).
func Init(service string) *slog.Logger {
	level := parseLevel(os.Getenv("EDGECODER_LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if os.Getenv("EDGECODER_JSON_LOG") != "" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(v string) slog.Level {
	switch v {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
