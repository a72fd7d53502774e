package core

import (
	"context"
	"time"
)

// Logger is the minimal logging surface the service depends on. Adapters
// (zap, test capture) satisfy it; the default is a no-op.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder receives service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	// ObserveAuditFailure counts degraded audit appends so the condition is
	// visible in error-rate metrics rather than swallowed.
	ObserveAuditFailure(ctx context.Context, operation string)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}
func (noopMetrics) ObserveAuditFailure(context.Context, string)          {}

// TraceSpan finishes a traced operation.
type TraceSpan interface {
	End(err error)
}

// Tracer opens spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

type noopTracer struct{}

type noopSpan struct{}

func (noopSpan) End(error) {}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

// Clock supplies the service's notion of now.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// AuditStatus classifies an in-process audit entry.
type AuditStatus string

// Audit entry statuses.
const (
	AuditStatusSuccess  AuditStatus = "success"
	AuditStatusError    AuditStatus = "error"
	AuditStatusDegraded AuditStatus = "degraded"
)

// AuditEntry describes a service operation outcome for in-process observers.
// This is distinct from the durable ActivityLog trail: entries here feed
// logs/metrics pipelines, not the store.
type AuditEntry struct {
	Operation string
	Entity    EntityType
	Action    Action
	EntityID  string
	ActorID   string
	Status    AuditStatus
	Duration  time.Duration
	Timestamp time.Time
	Err       error
}

// AuditRecorder observes every service operation outcome.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}
