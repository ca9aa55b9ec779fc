// fishagent - Automated seller replies for goofish marketplace chats
// License: MIT
//
// Copyright (c) 2026 fishagent contributors

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	current  = INFO
	base     = newHandlerLogger(os.Stderr)
)

func newHandlerLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar}))
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	current = level
	levelVar.Set(toSlogLevel(level))
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetOutput redirects all log output; used by tests and the CLI.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = newHandlerLogger(w)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logMessage(level LogLevel, component string, message string, fields map[string]any) {
	mu.RLock()
	l := base
	mu.RUnlock()

	args := make([]any, 0, 2+len(fields)*2)
	if component != "" {
		args = append(args, "component", component)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	l.Log(context.Background(), toSlogLevel(level), message, args...)
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }

func DebugC(component string, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component string, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component string, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component string, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component string, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component string, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component string, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component string, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
