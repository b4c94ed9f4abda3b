// Package logging provides the process-wide structured logger, injected
// into every component rather than accessed as a package-level global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-shaped zap logger. When debug is true it uses a
// human-readable development encoder instead.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

// Noop returns a logger that discards everything, for tests that don't
// care about log output.
func Noop() *zap.Logger {
	return zap.NewNop()
}
