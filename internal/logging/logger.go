package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	levelMu sync.RWMutex
	level   = new(slog.LevelVar)
	output  io.Writer = os.Stdout
)

// Logger provides structured logging for the worker
type Logger struct {
	prefix string
	logger *slog.Logger
}

// SetLevel sets the minimum level for every logger ("debug", "info", "warn", "error")
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// SetOutput redirects loggers created after the call. Used by tests.
func SetOutput(w io.Writer) {
	levelMu.Lock()
	defer levelMu.Unlock()
	output = w
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	levelMu.RLock()
	w := output
	levelMu.RUnlock()

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{
		prefix: prefix,
		logger: slog.New(handler).With("component", prefix),
	}
}

// With returns a child logger that always carries the given key-value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		logger: l.logger.With(keysAndValues...),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(slog.LevelInfo, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(slog.LevelWarn, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(slog.LevelError, msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(slog.LevelDebug, msg, keysAndValues...)
}

// Slog exposes the underlying slog logger for libraries that accept one
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) log(lvl slog.Level, msg string, keysAndValues ...interface{}) {
	// odd trailing key is dropped, same as the previous Printf-based logger
	if len(keysAndValues)%2 == 1 {
		keysAndValues = keysAndValues[:len(keysAndValues)-1]
	}
	l.logger.Log(context.Background(), lvl, msg, keysAndValues...)
}
