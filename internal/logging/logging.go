// Package logging wraps logrus with helpers that tag entries with the
// calling function, so log lines from the transport can be traced back to
// their source without a full stack.
package logging

import (
	"io"
	"os"
	"strings"

	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/stacktrace"

	"github.com/sirupsen/logrus"
)

// LogFields is type-compatible with logrus.Fields.
type LogFields map[string]interface{}

// Add copies fields from b into a, skipping names already present in a.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		if _, ok := a[name]; !ok {
			a[name] = value
		}
	}
}

// MetricsSource is implemented by components that periodically report
// counters through the logger.
type MetricsSource interface {
	GetMetrics() LogFields
}

// ContextLogger adds context logging to the underlying logrus logger.
type ContextLogger struct {
	*logrus.Logger
}

// Config selects the output format and level.
type Config struct {
	Level  string // logrus level name, "info" when empty
	Format string // "text" or "json"
	Output io.Writer
}

// New creates a ContextLogger from cfg.
func New(cfg Config) (*ContextLogger, error) {
	logger := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{logrus.FieldKeyTime: "timestamp"},
		})
	default:
		return nil, errors.Tracef("unknown log format %q", cfg.Format)
	}

	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return &ContextLogger{Logger: logger}, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *ContextLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &ContextLogger{Logger: logger}
}

// WithTrace adds a "context" field containing the caller's function name and
// source line. Use this when the entry has no other fields.
func (logger *ContextLogger) WithTrace() *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"context": stacktrace.GetParentFunctionName(),
	})
}

// WithTraceFields adds a "context" field to fields. An existing "context"
// field is renamed to "fields.context".
func (logger *ContextLogger) WithTraceFields(fields LogFields) *logrus.Entry {
	if _, ok := fields["context"]; ok {
		fields["fields.context"] = fields["context"]
	}
	fields["context"] = stacktrace.GetParentFunctionName()
	return logger.WithFields(logrus.Fields(fields))
}

// LogMetrics emits the metrics reported by source at info level.
func (logger *ContextLogger) LogMetrics(name string, source MetricsSource) {
	fields := source.GetMetrics()
	fields["metric"] = name
	logger.WithFields(logrus.Fields(fields)).Info("metrics")
}
