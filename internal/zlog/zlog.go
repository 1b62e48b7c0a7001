// Package zlog builds the single *zap.SugaredLogger every component in
// this module accepts as a constructor argument (buffer.Open,
// segment.Open, the Engine's transporter and watchdog), so that log
// level, encoding, and output sink are configured once at the top and
// threaded down rather than each package reaching for a global.
package zlog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the closed set of log levels strata.Config.LogLevel accepts.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// New builds a *zap.SugaredLogger at the given level, JSON-encoded with
// ISO8601 timestamps, matching the production defaults of
// zap.NewProductionConfig with the level swapped for the configured one.
// An empty or unrecognized level defaults to info.
func New(level Level) (*zap.SugaredLogger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("zlog: build logger: %w", err)
	}

	return logger.Sugar(), nil
}

func parseLevel(level Level) (zapcore.Level, error) {
	switch level {
	case "", LevelInfo:
		return zapcore.InfoLevel, nil
	case LevelDebug:
		return zapcore.DebugLevel, nil
	case LevelWarn:
		return zapcore.WarnLevel, nil
	case LevelError:
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("zlog: unknown log level %q", level)
	}
}

// Nop returns a no-op logger, used as the default when a caller
// constructs a component without one - mirrors the pack's
// "if log == nil { log = zap.NewNop() }" guard, but centralized here so
// every internal package can take a non-nil *zap.SugaredLogger as a hard
// requirement and let the caller opt into silence explicitly.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
