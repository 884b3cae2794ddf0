package utils

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Production gets JSON output at info level,
// everything else gets the colored console encoder at debug level.
func NewLogger(production bool) (*zap.Logger, error) {
	if production {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg.Build()
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

// MustLogger is NewLogger that falls back to a no-op logger instead of failing.
func MustLogger(production bool) *zap.Logger {
	logger, err := NewLogger(production)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
