package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a config string to a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; ok {
		return l
	}
	return LevelInfo
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	EnvelopeID string         `json:"envelope_id,omitempty"`
	EventType  string         `json:"event_type,omitempty"`
	EndpointID string         `json:"endpoint_id,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service  string
	minLevel LogLevel

	mu  sync.Mutex
	out io.Writer
}

// New creates a new structured logger for the given service writing to stdout
func New(service string) *Logger {
	return &Logger{service: service, minLevel: LevelInfo, out: os.Stdout}
}

// NewWithWriter creates a logger writing JSON lines to w at or above min
func NewWithWriter(service string, min LogLevel, w io.Writer) *Logger {
	return &Logger{service: service, minLevel: min, out: w}
}

// SetLevel changes the minimum level emitted
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	e.TraceID = tracing.GetTraceID(ctx)
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithEnvelope sets the envelope id and event type
func (e *LogEntry) WithEnvelope(envelopeID, eventType string) *LogEntry {
	e.EnvelopeID = envelopeID
	e.EventType = eventType
	return e
}

// WithEndpoint sets the endpoint ID for the log entry
func (e *LogEntry) WithEndpoint(endpointID string) *LogEntry {
	e.EndpointID = endpointID
	return e
}

// WithAttempt sets the attempt number
func (e *LogEntry) WithAttempt(n int) *LogEntry {
	e.Attempt = n
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.emit(LevelDebug, message) }
func (e *LogEntry) Info(message string)  { e.emit(LevelInfo, message) }
func (e *LogEntry) Warn(message string)  { e.emit(LevelWarn, message) }
func (e *LogEntry) Error(message string) { e.emit(LevelError, message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.emit(LevelDebug, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Infof(format string, args ...any)  { e.emit(LevelInfo, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Warnf(format string, args ...any)  { e.emit(LevelWarn, fmt.Sprintf(format, args...)) }
func (e *LogEntry) Errorf(format string, args ...any) { e.emit(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) emit(level LogLevel, message string) {
	e.Level = level
	e.Message = message

	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(l.out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	data = append(data, '\n')
	_, _ = l.out.Write(data)
}

var defaultLogger = New("harborrelay")

// WithContext creates a log entry with trace correlation using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.mu.Lock()
	defaultLogger.service = service
	defaultLogger.mu.Unlock()
}
