// Package logger provides leveled, printf-style logging for the service.
// Messages are emitted through a log/slog handler so that the same call
// sites produce either human-readable text or JSON lines, selected by the
// logging.format setting.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu            sync.RWMutex
	defaultLogger = newLogger(os.Stderr, slog.LevelInfo, "text")
)

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the package logger for stderr.
func Init(level string, format string) {
	InitWithWriter(os.Stderr, level, format)
}

// InitWithWriter configures the package logger to write to w.
func InitWithWriter(w io.Writer, level string, format string) {
	l := newLogger(w, ParseLevel(level), format)
	mu.Lock()
	defaultLogger = l
	mu.Unlock()
}

// Slog exposes the underlying structured logger for libraries that want one.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func logf(level slog.Level, format string, args ...interface{}) {
	l := Slog()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

// Debug logs a message at debug level.
func Debug(format string, args ...interface{}) {
	logf(slog.LevelDebug, format, args...)
}

// Info logs a message at info level.
func Info(format string, args ...interface{}) {
	logf(slog.LevelInfo, format, args...)
}

// Warn logs a message at warn level.
func Warn(format string, args ...interface{}) {
	logf(slog.LevelWarn, format, args...)
}

// Error logs a message at error level.
func Error(format string, args ...interface{}) {
	logf(slog.LevelError, format, args...)
}

// Fatal logs a message at error level and exits.
func Fatal(format string, args ...interface{}) {
	logf(slog.LevelError, "[FATAL] "+format, args...)
	os.Exit(1)
}
