package core

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel is the severity of a database lifecycle event (WAL replay,
// checkpoint, snapshot corruption).
type LogLevel int

const (
	// LevelDebug covers per-record WAL replay detail.
	LevelDebug LogLevel = iota
	// LevelInfo covers checkpoint and replay completion summaries.
	LevelInfo
	// LevelWarn covers recoverable anomalies, such as a rejected write
	// against a stale WAL header.
	LevelWarn
	// LevelError covers corruption: a CRC mismatch in the WAL or a
	// snapshot that fails to load.
	LevelError
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger receives the façade's WAL replay, checkpoint, and corruption
// events (spec.md §4.7). A DB defaults to NopLogger(); callers wire one in
// via WithLogger to observe recovery and save activity.
type Logger interface {
	// Debug logs a debug message
	Debug(msg string, keyvals ...any)
	// Info logs an informational message
	Info(msg string, keyvals ...any)
	// Warn logs a warning message
	Warn(msg string, keyvals ...any)
	// Error logs an error message
	Error(msg string, keyvals ...any)
	// With returns a new logger with additional key-value pairs
	With(keyvals ...any) Logger
}

// defaultLogger is a thread-safe key-value logger: one mutex-guarded
// writer, shared across every DB subsystem that has a handle on it (WAL
// replay, checkpoint save, snapshot load).
type defaultLogger struct {
	mu       sync.Mutex
	writer   io.Writer
	minLevel LogLevel
	prefix   string
	keyvals  []any
}

// NewLogger creates a logger that writes database lifecycle events to the
// given writer at or above minLevel.
func NewLogger(writer io.Writer, minLevel LogLevel) Logger {
	return &defaultLogger{
		writer:   writer,
		minLevel: minLevel,
	}
}

// NewStdLogger creates a logger that writes to stdout, for CLI use where
// there is no separate log sink configured.
func NewStdLogger(minLevel LogLevel) Logger {
	return NewLogger(os.Stdout, minLevel)
}

// NewComponentLogger tags every line with a component name (e.g. "wal",
// "checkpoint", "mvcc") so a single process-wide sink can still tell
// GigaVector's subsystems apart.
func NewComponentLogger(writer io.Writer, minLevel LogLevel, component string) Logger {
	return &defaultLogger{
		writer:   writer,
		minLevel: minLevel,
		prefix:   component + ": ",
	}
}

// Debug logs per-record detail, e.g. one line per WAL record applied
// during replay.
func (l *defaultLogger) Debug(msg string, keyvals ...any) {
	l.log(LevelDebug, msg, keyvals...)
}

// Info logs a lifecycle milestone: snapshot loaded, WAL replay complete,
// checkpoint complete.
func (l *defaultLogger) Info(msg string, keyvals ...any) {
	l.log(LevelInfo, msg, keyvals...)
}

// Warn logs a recoverable anomaly, e.g. a write rejected against a stale
// WAL header until the next checkpoint.
func (l *defaultLogger) Warn(msg string, keyvals ...any) {
	l.log(LevelWarn, msg, keyvals...)
}

// Error logs a corruption event: WAL CRC mismatch or an unreadable
// snapshot.
func (l *defaultLogger) Error(msg string, keyvals ...any) {
	l.log(LevelError, msg, keyvals...)
}

// With returns a logger carrying extra key-value pairs on every line,
// e.g. tagging every line of a checkpoint with its target path.
func (l *defaultLogger) With(keyvals ...any) Logger {
	newKeyvals := make([]any, 0, len(l.keyvals)+len(keyvals))
	newKeyvals = append(newKeyvals, l.keyvals...)
	newKeyvals = append(newKeyvals, keyvals...)
	return &defaultLogger{
		writer:   l.writer,
		minLevel: l.minLevel,
		prefix:   l.prefix,
		keyvals:  newKeyvals,
	}
}

// log formats one line: timestamp, level, component prefix (if any, see
// NewComponentLogger), keyvals, message. Shared by every DB subsystem so
// replay/checkpoint/corruption lines are uniform in a mixed log stream.
func (l *defaultLogger) log(level LogLevel, msg string, keyvals ...any) {
	if level < l.minLevel {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.writer, "%s [%s] %s", timestamp, level, l.prefix)

	// Add base keyvals
	if len(l.keyvals) > 0 {
		for i := 0; i < len(l.keyvals); i += 2 {
			if i+1 < len(l.keyvals) {
				fmt.Fprintf(l.writer, " %v=%v", l.keyvals[i], l.keyvals[i+1])
			}
		}
	}

	// Add message-specific keyvals
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 < len(keyvals) {
			fmt.Fprintf(l.writer, " %v=%v", keyvals[i], keyvals[i+1])
		}
	}

	fmt.Fprintf(l.writer, ": %s\n", msg)
}

// nopLogger discards every event; this is the default for a DB opened
// without WithLogger, so replay/checkpoint logging costs nothing unless
// a caller asks for it.
type nopLogger struct{}

// Debug is a no-op
func (nopLogger) Debug(msg string, keyvals ...any) {}

// Info is a no-op
func (nopLogger) Info(msg string, keyvals ...any) {}

// Warn is a no-op
func (nopLogger) Warn(msg string, keyvals ...any) {}

// Error is a no-op
func (nopLogger) Error(msg string, keyvals ...any) {}

// With returns a new nopLogger
func (n nopLogger) With(keyvals ...any) Logger {
	return n
}

// NopLogger returns the default silent logger a DB uses when no
// WithLogger option is given.
func NopLogger() Logger {
	return nopLogger{}
}
