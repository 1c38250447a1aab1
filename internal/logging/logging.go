// Package logging provides the leveled logger used by the test harness.
//
// Messages are emitted through klog; the level is an explicit value given to New, usually taken
// from config.Config.LogLevel.
package logging

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Level of a log message. Higher values are more severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

// String implements fmt.Stringer.
func (l Level) String() string {
	if name, found := levelNames[l]; found {
		return name
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel converts a level name (case-insensitive) to a Level.
// "WARN" and "CRITICAL" are accepted as aliases of WARNING and ERROR.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR", "CRITICAL", "FATAL":
		return LevelError, nil
	}
	return LevelInfo, errors.Errorf("unknown log level %q, valid values are DEBUG, INFO, WARNING and ERROR", name)
}

// Logger is a named logger filtering messages below its level.
// The zero value logs at LevelDebug with no name.
type Logger struct {
	name  string
	level Level
}

// New creates a Logger with the given name and level.
func New(name string, level Level) *Logger {
	return &Logger{name: name, level: level}
}

// FromLevelName creates a Logger parsing levelName. Invalid names fall back to INFO with a warning.
func FromLevelName(name, levelName string) *Logger {
	level, err := ParseLevel(levelName)
	if err != nil {
		klog.Warningf("%v: using INFO", err)
	}
	return New(name, level)
}

// Level returns the configured level.
func (l *Logger) Level() Level { return l.level }

// DebugEnabled reports whether debug messages are emitted.
func (l *Logger) DebugEnabled() bool { return l.level <= LevelDebug }

func (l *Logger) format(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if l.name == "" {
		return msg
	}
	return "[" + l.name + "] " + msg
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...any) {
	if l.level > LevelDebug {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) {
	if l.level > LevelInfo {
		return
	}
	klog.InfoDepth(1, l.format(format, args...))
}

// Warningf logs at warning level.
func (l *Logger) Warningf(format string, args ...any) {
	if l.level > LevelWarning {
		return
	}
	klog.WarningDepth(1, l.format(format, args...))
}

// Errorf logs at error level. Errors are never filtered.
func (l *Logger) Errorf(format string, args ...any) {
	klog.ErrorDepth(1, l.format(format, args...))
}
