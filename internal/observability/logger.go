// Package observability provides the structured logging port shared by all
// components. No global logger exists; every component receives a Logger.
package observability

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"
)

// Logger provides structured logging with arbitrary fields.
type Logger interface {
	LogInfo(ctx context.Context, message string, fields map[string]interface{})
	LogWarning(ctx context.Context, message string, fields map[string]interface{})
	LogError(ctx context.Context, message string, fields map[string]interface{})
}

// LogLevel defines the logging verbosity level.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarning
	LogLevelError
)

// ParseLevel maps a config string to a LogLevel. Unknown values get info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "warning", "warn":
		return LogLevelWarning
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// LogFormat defines the output format for logs.
type LogFormat int

const (
	LogFormatHuman LogFormat = iota
	LogFormatJSON
)

// DefaultLogger writes structured log lines to the process log output.
type DefaultLogger struct {
	level  LogLevel
	format LogFormat
}

// NewDefaultLogger creates a logger with the given level and format.
func NewDefaultLogger(level LogLevel, format LogFormat) *DefaultLogger {
	return &DefaultLogger{level: level, format: format}
}

// LogInfo logs an informational message with structured fields.
func (l *DefaultLogger) LogInfo(ctx context.Context, message string, fields map[string]interface{}) {
	l.write(LogLevelInfo, "info", message, fields)
}

// LogWarning logs a warning message with structured fields.
func (l *DefaultLogger) LogWarning(ctx context.Context, message string, fields map[string]interface{}) {
	l.write(LogLevelWarning, "warning", message, fields)
}

// LogError logs an error message with structured fields.
func (l *DefaultLogger) LogError(ctx context.Context, message string, fields map[string]interface{}) {
	l.write(LogLevelError, "error", message, fields)
}

func (l *DefaultLogger) write(level LogLevel, levelName, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	if l.format == LogFormatJSON {
		entry := map[string]interface{}{
			"level":     levelName,
			"timestamp": time.Now().Format(time.RFC3339),
			"message":   message,
		}
		for k, v := range fields {
			entry[k] = v
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf(`{"level":"error","message":"log marshal failed: %v"}`, err)
			return
		}
		log.Print(string(data))
		return
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(strings.ToUpper(levelName))
	b.WriteString("] ")
	b.WriteString(message)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			data, err := json.Marshal(fields[k])
			if err != nil {
				b.WriteString("?")
				continue
			}
			b.Write(data)
		}
	}
	log.Print(b.String())
}

// NopLogger discards all log output. Useful as a test default.
type NopLogger struct{}

func (NopLogger) LogInfo(context.Context, string, map[string]interface{})    {}
func (NopLogger) LogWarning(context.Context, string, map[string]interface{}) {}
func (NopLogger) LogError(context.Context, string, map[string]interface{})   {}
