// Package utils provides logger construction shared by the sensor commands.
package utils

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hyperjump/sensor/internal/trace"
)

// NewLogger returns a zap logger for the server. When debug is true, uses development
// config (human-readable, debug level); otherwise uses production config (JSON, info level).
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// NewCLILogger returns a console logger writing to stderr so command output on stdout
// stays parseable. Without debug only warnings and errors are shown.
func NewCLILogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !debug
	if !debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		cfg.DisableCaller = true
	}
	return cfg.Build()
}

// WithTrace returns l with the correlation id carried by ctx, if any.
func WithTrace(l *zap.Logger, ctx context.Context) *zap.Logger {
	if id := trace.FromContext(ctx); id != "" {
		return l.With(zap.String("trace_id", id))
	}
	return l
}
