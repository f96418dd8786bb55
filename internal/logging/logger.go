// Package logging provides structured JSON logging for the imagery-hooks
// services. Log lines are emitted by zerolog and carry the service name,
// trace correlation, and delivery identifiers as first-class fields.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/geofy/imagery-hooks/internal/tracing"
)

// Logger emits structured log lines for a single service.
type Logger struct {
	zl      zerolog.Logger
	service string
}

// New creates a logger for the given service name writing to stdout.
func New(service string) *Logger {
	return NewWithWriter(os.Stdout, service)
}

// NewWithWriter creates a logger writing JSON lines to w.
func NewWithWriter(w io.Writer, service string) *Logger {
	zl := zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	return &Logger{zl: zl, service: service}
}

// SetLevel adjusts the minimum level this logger emits.
func (l *Logger) SetLevel(level string) {
	l.zl = l.zl.Level(ParseLevel(level))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *Entry {
	e := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.traceID = traceID
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *Entry {
	e := l.Plain()
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *Entry {
	return &Entry{logger: l, fields: make(map[string]any)}
}

// Entry accumulates correlation fields before emitting a single log line.
type Entry struct {
	logger     *Logger
	traceID    string
	jobID      string
	deliveryID string
	eventType  string
	target     string
	attempt    int
	err        error
	fields     map[string]any
}

// Fluent interface methods for Entry

// WithTraceID sets the trace ID for the log entry
func (e *Entry) WithTraceID(traceID string) *Entry {
	e.traceID = traceID
	return e
}

// WithJob sets the capture job ID for the log entry
func (e *Entry) WithJob(jobID string) *Entry {
	e.jobID = jobID
	return e
}

// WithDelivery sets the delivery ID for the log entry
func (e *Entry) WithDelivery(deliveryID string) *Entry {
	e.deliveryID = deliveryID
	return e
}

// WithEventType sets the webhook event type for the log entry
func (e *Entry) WithEventType(eventType string) *Entry {
	e.eventType = eventType
	return e
}

// WithTarget sets the callback URL for the log entry
func (e *Entry) WithTarget(url string) *Entry {
	e.target = url
	return e
}

// WithAttempt sets the delivery attempt number for the log entry
func (e *Entry) WithAttempt(attempt int) *Entry {
	e.attempt = attempt
	return e
}

// WithField adds a single field to the log entry
func (e *Entry) WithField(key string, value any) *Entry {
	e.fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *Entry) WithFields(fields map[string]any) *Entry {
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.err = err
	}
	return e
}

func (e *Entry) emit(level zerolog.Level, msg string) {
	ev := e.logger.zl.WithLevel(level)
	if e.traceID != "" {
		ev = ev.Str("trace_id", e.traceID)
	}
	if e.jobID != "" {
		ev = ev.Str("job_id", e.jobID)
	}
	if e.deliveryID != "" {
		ev = ev.Str("delivery_id", e.deliveryID)
	}
	if e.eventType != "" {
		ev = ev.Str("event_type", e.eventType)
	}
	if e.target != "" {
		ev = ev.Str("target", e.target)
	}
	if e.attempt > 0 {
		ev = ev.Int("attempt", e.attempt)
	}
	if e.err != nil {
		ev = ev.Err(e.err)
	}
	if len(e.fields) > 0 {
		ev = ev.Fields(e.fields)
	}
	ev.Msg(msg)
}

// Log methods

// Debug logs at debug level
func (e *Entry) Debug(msg string) {
	e.emit(zerolog.DebugLevel, msg)
}

// Debugf logs at debug level with formatting
func (e *Entry) Debugf(format string, args ...any) {
	e.emit(zerolog.DebugLevel, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *Entry) Info(msg string) {
	e.emit(zerolog.InfoLevel, msg)
}

// Infof logs at info level with formatting
func (e *Entry) Infof(format string, args ...any) {
	e.emit(zerolog.InfoLevel, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *Entry) Warn(msg string) {
	e.emit(zerolog.WarnLevel, msg)
}

// Warnf logs at warn level with formatting
func (e *Entry) Warnf(format string, args ...any) {
	e.emit(zerolog.WarnLevel, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *Entry) Error(msg string) {
	e.emit(zerolog.ErrorLevel, msg)
}

// Errorf logs at error level with formatting
func (e *Entry) Errorf(format string, args ...any) {
	e.emit(zerolog.ErrorLevel, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *Entry) Fatal(msg string) {
	e.emit(zerolog.FatalLevel, msg)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *Entry) Fatalf(format string, args ...any) {
	e.emit(zerolog.FatalLevel, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// Global convenience functions

var defaultLogger = New("imagery-hooks")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *Entry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *Entry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *Entry {
	return defaultLogger.Plain()
}

// SetDefaultService replaces the default logger with one for the given service
func SetDefaultService(service string) {
	defaultLogger = New(service)
}
