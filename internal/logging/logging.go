// Package logging configures the engine's default structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger: JSON on stdout at LOG_LEVEL by
// default; when DISABLE_STRUCTURED_LOGS is truthy, plain text on stderr
// that emits error-level records only.
func Init(service string) *slog.Logger {
	if disabled() {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		logger := slog.New(handler).With("service", service)
		slog.SetDefault(logger)
		return logger
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelFromEnv()})
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func disabled() bool {
	v := strings.ToLower(os.Getenv("DISABLE_STRUCTURED_LOGS"))
	return v == "1" || v == "true"
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
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
