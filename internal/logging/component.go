package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level controls which records a component logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

var (
	defaultMu     sync.RWMutex
	defaultLevel  = LevelInfo
	defaultOutput io.Writer = os.Stderr
)

// SetDefaultLevel sets the level for loggers created by NewComponentLogger.
func SetDefaultLevel(level Level) {
	defaultMu.Lock()
	defaultLevel = level
	defaultMu.Unlock()
}

// SetDefaultOutput redirects loggers created by NewComponentLogger.
func SetDefaultOutput(w io.Writer) {
	defaultMu.Lock()
	if w == nil {
		w = os.Stderr
	}
	defaultOutput = w
	defaultMu.Unlock()
}

type componentLogger struct {
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

func (l *componentLogger) Debug(format string, args ...any) { l.emit(LevelDebug, "DEBUG", format, args) }
func (l *componentLogger) Info(format string, args ...any)  { l.emit(LevelInfo, "INFO", format, args) }
func (l *componentLogger) Warn(format string, args ...any)  { l.emit(LevelWarn, "WARN", format, args) }
func (l *componentLogger) Error(format string, args ...any) { l.emit(LevelError, "ERROR", format, args) }

func (l *componentLogger) emit(level Level, tag, format string, args []any) {
	defaultMu.RLock()
	minLevel := defaultLevel
	out := defaultOutput
	defaultMu.RUnlock()
	if level < minLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(out, "%s [%s] [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), tag, l.component, msg)
}
