package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps debug|info|warn|warning|error to a Level. Unknown values
// fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Logger wraps a stdlib log.Logger with level gating. Components that take a
// plain *log.Logger receive Std().
type Logger struct {
	std   *log.Logger
	level Level
}

// New creates a Logger writing to w with the given component prefix.
func New(w io.Writer, prefix string, level Level) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{std: log.New(w, prefix, log.LstdFlags|log.Lmicroseconds), level: level}
}

// Named returns a Logger sharing the output and level with a new prefix.
func (l *Logger) Named(prefix string) *Logger {
	return &Logger{std: log.New(l.std.Writer(), prefix, l.std.Flags()), level: l.level}
}

// Std exposes the underlying stdlib logger.
func (l *Logger) Std() *log.Logger { return l.std }

// Level returns the configured threshold.
func (l *Logger) Level() Level { return l.level }

func (l *Logger) Enabled(level Level) bool { return level >= l.level }

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, "DEBUG ", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, "", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, "WARN ", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, "ERROR ", format, args...) }

func (l *Logger) logf(level Level, tag, format string, args ...any) {
	if l == nil || !l.Enabled(level) {
		return
	}
	_ = l.std.Output(3, tag+fmt.Sprintf(format, args...))
}
