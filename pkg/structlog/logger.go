// Package structlog is a small JSON line logger with leveled output
// and structured fields. Behavioral telemetry is sensitive, so known
// secret-bearing field names are masked before encoding.
package structlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
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

// Fields are per-line structured fields.
type Fields map[string]interface{}

var maskedFields = []string{"password", "secret", "token", "authorization", "apikey"}

// Logger writes one JSON object per line.
type Logger struct {
	service string
	level   Level
	mu      sync.Mutex
	out     io.Writer
	base    Fields
}

func New(service string, level Level, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{service: service, level: level, out: out, base: Fields{}}
}

// With returns a logger carrying extra base fields on every line.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{service: l.service, level: l.level, out: l.out, base: merged}
}

func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log(LevelError, msg, fields) }

// Audit marks a line as part of the immutable audit trail.
func (l *Logger) Audit(action string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "audit"
	fields["audit_action"] = action
	l.log(LevelInfo, fmt.Sprintf("AUDIT: %s", action), fields)
}

// Security marks a security-relevant event for downstream alerting.
func (l *Logger) Security(event string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "security"
	l.log(LevelWarn, fmt.Sprintf("SECURITY: %s", event), fields)
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}
	line := make(Fields, len(l.base)+len(fields)+4)
	for k, v := range l.base {
		line[k] = mask(k, v)
	}
	for k, v := range fields {
		line[k] = mask(k, v)
	}
	line["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["level"] = level.String()
	line["service"] = l.service
	line["message"] = msg

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.out).Encode(line); err != nil {
		fmt.Fprintf(os.Stderr, "structlog: encode failed: %v\n", err)
	}
}

func mask(key string, v interface{}) interface{} {
	lower := strings.ToLower(key)
	for _, pattern := range maskedFields {
		if strings.Contains(lower, pattern) {
			return "MASKED"
		}
	}
	return v
}
