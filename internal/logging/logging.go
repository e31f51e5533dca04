// Package logging wraps logrus with service fields, trace ids and optional
// rotated file output.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

// TraceIDKey carries the request trace id in a context.
const TraceIDKey contextKey = "trace_id"

// Rotation defaults for file output.
const (
	DefaultMaxSizeMB  = 5
	DefaultMaxBackups = 2
)

// Config selects level, format and an optional log file.
type Config struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Logger is a logrus logger bound to a service name.
type Logger struct {
	*logrus.Logger
	service string
	file    io.Closer
}

// New returns a stdout logger. Unknown levels fall back to info.
func New(service, level, format string) *Logger {
	l, _ := NewWithConfig(service, Config{Level: level, Format: format})
	return l
}

// NewWithConfig builds a logger that also writes to a rotated file when
// cfg.File is set.
func NewWithConfig(service string, cfg Config) (*Logger, error) {
	base := logrus.New()
	base.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	l := &Logger{Logger: base, service: service}
	if cfg.File != "" {
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = DefaultMaxSizeMB
		}
		if cfg.MaxBackups <= 0 {
			cfg.MaxBackups = DefaultMaxBackups
		}
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		base.SetOutput(io.MultiWriter(os.Stdout, rot))
		l.file = rot
	}
	if err != nil {
		return l, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return l, nil
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string { return l.service }

// WithContext returns an entry carrying the service name and, when
// present, the trace id from ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if id := GetTraceID(ctx); id != "" {
		entry = entry.WithField("trace_id", id)
	}
	return entry.WithContext(ctx)
}

// LogRequest records one served HTTP request. 5xx responses log at error
// level and 4xx at warn.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request served")
	}
}

// LogSecurityEvent records a security relevant event such as a rate limit hit.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithField("event", event).WithFields(logrus.Fields(fields)).Warn("security event")
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// NewTraceID returns a random trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores id in ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID returns the trace id stored in ctx, or "".
func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}
