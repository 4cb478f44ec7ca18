// Package logger provides the shared logging facility for the agent.
// It wraps zap behind package-level helpers so components do not carry
// logger plumbing through every constructor.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger = zap.NewNop().Sugar()
)

// Initialize sets up the global logger. When debug is true the log level is
// lowered to debug and output uses the development encoder.
func Initialize(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	log = l.Sugar()
	mu.Unlock()
	return nil
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Sync flushes any buffered log entries.
func Sync() error {
	return get().Sync()
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) { get().Debugf(format, args...) }

// Infof logs a formatted info message.
func Infof(format string, args ...any) { get().Infof(format, args...) }

// Warnf logs a formatted warning message.
func Warnf(format string, args ...any) { get().Warnf(format, args...) }

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) { get().Errorf(format, args...) }

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...any) { get().Fatalf(format, args...) }

// Debugw logs a debug message with structured key/value pairs.
func Debugw(msg string, keysAndValues ...any) { get().Debugw(msg, keysAndValues...) }

// Infow logs an info message with structured key/value pairs.
func Infow(msg string, keysAndValues ...any) { get().Infow(msg, keysAndValues...) }

// Warnw logs a warning message with structured key/value pairs.
func Warnw(msg string, keysAndValues ...any) { get().Warnw(msg, keysAndValues...) }

// Errorw logs an error message with structured key/value pairs.
func Errorw(msg string, keysAndValues ...any) { get().Errorw(msg, keysAndValues...) }
