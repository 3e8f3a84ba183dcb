// Package log provides the ambient logging seam used across the engine.
// Callers log against the small Logger interface rather than a concrete
// type so tests can capture output; the default implementation is
// backed by go.uber.org/zap.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Logger is the minimal sink every log call in this module goes
// through. A single Log method keeps it trivial to fake in tests.
type Logger interface {
	Log(msg string)
}

type zapLogger struct {
	l *zap.Logger
}

// Log implements Logger.
func (z *zapLogger) Log(msg string) { z.l.Info(msg) }

// NewZap wraps an existing *zap.Logger as a Logger.
func NewZap(l *zap.Logger) Logger { return &zapLogger{l: l} }

// NewProduction builds the default JSON production logger.
func NewProduction() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZap(l), nil
}

var (
	mu      sync.RWMutex
	current Logger = mustDefault()
)

func mustDefault() Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment only fails on a broken encoder config,
		// which never happens with the zero-value config it builds.
		panic(err)
	}
	return NewZap(l)
}

// SetLogger installs l as the package-level logger used by Debug/Info/
// Warn/Error. Passing nil restores the development default.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = mustDefault()
	}
	current = l
}

func active() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Default returns the currently installed package-level Logger, for
// callers (the engine) that want to adopt whatever logger is already in
// effect rather than construct their own.
func Default() Logger { return active() }

// Debug formats and logs at debug-equivalent verbosity. The Logger
// interface has no levels of its own; level prefixing is the caller's
// responsibility so a test double sees exactly what was logged.
func Debug(format string, args ...interface{}) { active().Log("DEBUG: " + fmt.Sprintf(format, args...)) }

// Info formats and logs an informational message.
func Info(format string, args ...interface{}) { active().Log("INFO: " + fmt.Sprintf(format, args...)) }

// Warn formats and logs a warning.
func Warn(format string, args ...interface{}) { active().Log("WARN: " + fmt.Sprintf(format, args...)) }

// Error formats and logs an error.
func Error(format string, args ...interface{}) { active().Log("ERROR: " + fmt.Sprintf(format, args...)) }

// OpenFileAtPath opens (creating if necessary) a file in append mode for
// log output. Nothing in the engine calls it; the default logger writes
// to stderr.
func OpenFileAtPath(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}
