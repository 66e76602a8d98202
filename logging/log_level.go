package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// ParseLevel parses a case-insensitive level name such as "debug" or
// "warning". Empty or unknown names yield def.
func ParseLevel(name string, def zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return def
	}
}

// DefaultLevel is debug in development and info otherwise.
func DefaultLevel(development bool) zapcore.Level {
	if development {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
