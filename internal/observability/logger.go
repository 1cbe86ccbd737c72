// Package observability provides logging, tracing, and metrics utilities.
package observability

import (
	"log/slog"
	"os"

	"github.com/fabricedelahaij/apigate/internal/config"
)

// Log key constants for consistent field names across the gateway.
const (
	LogKeyService    = "service"
	LogKeyEnv        = "env"
	LogKeyMethod     = "method"
	LogKeyPath       = "path"
	LogKeyStatus     = "status"
	LogKeyDuration   = "duration_ms"
	LogKeyClientAddr = "client_addr"
	LogKeyEventID    = "event_id"
	LogKeyKind       = "kind"
)

// NewLogger creates a structured JSON logger with default attributes.
// The logger includes service and environment fields on every log entry.
// Log level is controlled via the LOG_LEVEL configuration.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With(
		LogKeyService, cfg.ServiceName,
		LogKeyEnv, cfg.Env,
	)
}

// parseLogLevel converts a log level string to slog.Level.
// Defaults to Info level for unknown values.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
