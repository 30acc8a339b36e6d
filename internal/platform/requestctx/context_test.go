package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerFallsBackToNoop(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("expected shared no-op logger, got nil")
	}
	if Logger(nil) != NoopLogger() {
		t.Fatal("nil context should yield the no-op logger")
	}
}

func TestWithLoggerRoundTrip(t *testing.T) {
	logger := zap.NewNop().Named("req")
	ctx := WithLogger(context.Background(), logger)
	if Logger(ctx) != logger {
		t.Fatal("attached logger was not returned")
	}

	ctx = WithLogger(context.Background(), nil)
	if Logger(ctx) != NoopLogger() {
		t.Fatal("nil logger should degrade to the no-op logger")
	}
}

func TestTraceRoundTrip(t *testing.T) {
	info := TraceInfo{TraceID: "abc123", SpanID: "def456", Sampled: true, ProjectID: "demo-project"}
	ctx := WithTrace(context.Background(), info)

	got, ok := Trace(ctx)
	if !ok || got != info {
		t.Fatalf("Trace = %+v, ok=%v", got, ok)
	}
	if TraceID(ctx) != "abc123" {
		t.Errorf("TraceID = %q", TraceID(ctx))
	}
	if TraceID(context.Background()) != "" {
		t.Error("expected empty trace id without trace metadata")
	}
}

func TestLogResource(t *testing.T) {
	info := TraceInfo{TraceID: "abc123", ProjectID: "demo-project"}
	if got := info.LogResource(); got != "projects/demo-project/traces/abc123" {
		t.Errorf("LogResource = %q", got)
	}
	if got := (TraceInfo{TraceID: "abc123"}).LogResource(); got != "" {
		t.Errorf("expected empty resource without project, got %q", got)
	}
	if got := (TraceInfo{ProjectID: "demo-project"}).LogResource(); got != "" {
		t.Errorf("expected empty resource without trace id, got %q", got)
	}
}
