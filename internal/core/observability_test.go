package core

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if rec.Name() == "" {
		t.Fatalf("expected generated export name")
	}
	ctx := context.Background()

	rec.Observe(ctx, "create_student", true, 20*time.Millisecond)
	rec.Observe(ctx, "create_student", false, 5*time.Millisecond)
	rec.Observe(ctx, "", true, time.Second) // ignored
	rec.ObserveAuditFailure(ctx, "create_student")

	snap := rec.Snapshot()
	if got := snap.Results["create_student"]["success"]; got != 1 {
		t.Fatalf("expected 1 success, got %d", got)
	}
	if got := snap.Results["create_student"]["error"]; got != 1 {
		t.Fatalf("expected 1 error, got %d", got)
	}
	if got := snap.DurationsMS["create_student"]; got != 25 {
		t.Fatalf("expected 25ms total, got %v", got)
	}
	if got := snap.AuditFailures["create_student"]; got != 1 {
		t.Fatalf("expected 1 audit failure, got %d", got)
	}
	if len(snap.Results) != 1 {
		t.Fatalf("empty operation names must be dropped, got %v", snap.Results)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx := context.Background()

	rec.Observe(ctx, "create_student", true, 10*time.Millisecond)
	rec.Observe(ctx, "create_student", false, time.Millisecond)
	rec.ObserveAuditFailure(ctx, "create_student")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"iqracore_operations_total",
		"iqracore_operation_duration_seconds",
		"iqracore_audit_failures_total",
	} {
		if !names[want] {
			t.Fatalf("missing metric family %s in %v", want, names)
		}
	}

	// Double registration on the same registry must fail, not panic.
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestJSONTraceTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	ctx := context.Background()

	_, span := tracer.Start(ctx, "create_student")
	span.End(nil)
	_, span = tracer.Start(ctx, "update_student")
	span.End(context.DeadlineExceeded)

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(entries))
	}
	if entries[0].Status != "success" || entries[1].Status != "error" {
		t.Fatalf("unexpected statuses: %+v", entries)
	}
	if entries[1].Error == "" {
		t.Fatalf("error span must carry the message")
	}
	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("expected 2 JSON lines, got %d", got)
	}
}

func TestNoopImplementations(t *testing.T) {
	var logger noopLogger
	logger.Debug("noop")
	logger.Info("noop")
	logger.Warn("noop")
	logger.Error("noop")

	var audit noopAuditRecorder
	audit.Record(context.Background(), AuditEntry{})

	var metrics noopMetrics
	metrics.Observe(context.Background(), "noop", true, 0)
	metrics.ObserveAuditFailure(context.Background(), "noop")

	tracer := noopTracer{}
	ctx, span := tracer.Start(context.Background(), "op")
	if ctx == nil {
		t.Fatalf("expected context from tracer")
	}
	span.End(nil)
}

func TestClockFunc(t *testing.T) {
	fixed := time.Date(2026, time.July, 4, 0, 0, 0, 0, time.UTC)
	clock := ClockFunc(func() time.Time { return fixed })
	if !clock.Now().Equal(fixed) {
		t.Fatalf("ClockFunc must forward to the wrapped function")
	}
}
