// Package aegislog provides structured logging with trace-ID propagation,
// built on logrus, in the style of the node's lineage.
package aegislog

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used to carry logging metadata.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	NodeIDKey  ContextKey = "node_id"
)

// Logger wraps logrus.Logger with AEGIS-specific structured helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component ("pipeline", "waf", "gossip", ...).
func New(component, level, format string) *Logger {
	base := logrus.New()

	parsedLevel, err := logrus.ParseLevel(level)
	if err != nil {
		parsedLevel = logrus.InfoLevel
	}
	base.SetLevel(parsedLevel)

	if format == "text" {
		base.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, component: component}
}

// NewFromEnv builds a logger from LOG_LEVEL / LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry carrying trace/node IDs found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if nodeID := ctx.Value(NodeIDKey); nodeID != nil {
		entry = entry.WithField("node_id", nodeID)
	}
	return entry
}

// NewTraceID generates a fresh trace ID for a request context.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace ID to a context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// TraceID reads the trace ID off a context, if any.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithNodeID attaches this node's id to a context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, NodeIDKey, nodeID)
}

// LogPipelineStage logs a pipeline controller state transition (spec §4.1).
func (l *Logger) LogPipelineStage(ctx context.Context, stage, decision string, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"stage":    stage,
		"decision": decision,
	})
	for k, v := range fields {
		entry = entry.WithField(k, v)
	}
	entry.Debug("pipeline stage")
}

// LogSecurityEvent logs a WAF/blocklist/rate-limit decision (spec §4.13, §4.9).
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{"event_type": eventType, "severity": "security"}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogGossipEvent logs a threat-intel gossip accept/reject (spec §4.9).
func (l *Logger) LogGossipEvent(ctx context.Context, accepted bool, ipOrCIDR string, reason string) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"ip_or_cidr": ipOrCIDR,
		"accepted":   accepted,
	})
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	if accepted {
		entry.Info("gossip entry accepted")
	} else {
		entry.Warn("gossip entry rejected")
	}
}

// LogModuleTrap logs a Wasm host trap / resource-limit violation (spec §4.13).
func (l *Logger) LogModuleTrap(ctx context.Context, cid, reason string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"cid":    cid,
		"reason": reason,
	}).Error("wasm module aborted")
}

// LogRequest logs a completed HTTP request/response.
func (l *Logger) LogRequest(ctx context.Context, method, uri string, status int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"uri":         uri,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	}).Info("request")
}

// Fatal logs at fatal level and exits the process (startup errors only, spec §7).
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}
