// Package logging builds the service-wide structured logger. Every
// subsystem receives the same *zap.Logger through its ServiceConfig.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production JSON logger at the configured level. An
// empty or unknown level falls back to info rather than failing startup.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func parseLevel(level string) zapcore.Level {
	trimmed := strings.ToLower(strings.TrimSpace(level))
	if trimmed == "warning" {
		return zapcore.WarnLevel
	}
	if parsed, err := zapcore.ParseLevel(trimmed); err == nil {
		return parsed
	}
	return zapcore.InfoLevel
}
