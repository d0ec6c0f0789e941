package config

import (
	"log/slog"
	"strings"
)

// LevelTrace sits below debug for very chatty engine output.
const LevelTrace = slog.LevelDebug - 4

// LevelOff is above every level the service logs at.
const LevelOff = slog.Level(64)

// Level maps telemetry.log_level to a slog level. Unknown names disable
// logging.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	}
	return LevelOff
}
