package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quickbite/api/internal/platform/requestctx"
)

func observedRouter(level zapcore.Level, handler http.Handler) (http.Handler, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	logger := zap.New(core)
	chain := InjectLoggerMiddleware(logger)(RequestLoggerMiddleware("demo-project")(handler))
	return chain, logs
}

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	chain, logs := observedRouter(zapcore.InfoLevel, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord_A"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("completion entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Errorf("level = %s", entry.Level)
	}

	fields := entry.ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["bytes"] != int64(len(`{"id":"ord_A"}`)) {
		t.Errorf("bytes field = %v", fields["bytes"])
	}
	if fields["method"] != "POST" {
		t.Errorf("method field = %v", fields["method"])
	}
	if fields["remote_ip"] != "203.0.113.9" {
		t.Errorf("remote_ip field = %v", fields["remote_ip"])
	}
}

func TestRequestLoggerMiddlewareWarnsOnClientError(t *testing.T) {
	chain, logs := observedRouter(zapcore.InfoLevel, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders/ord_missing", nil))

	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("completion entries = %d, want 1", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Errorf("level = %s, want warn", entries[0].Level)
	}
}

func TestRequestLoggerMiddlewareAddsTraceResource(t *testing.T) {
	chain, logs := observedRouter(zapcore.InfoLevel, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestctx.Logger(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req = req.WithContext(requestctx.WithTrace(req.Context(), requestctx.TraceInfo{
		TraceID: "abc123",
	}))
	chain.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("inside handler").All()
	if len(entries) != 1 {
		t.Fatalf("handler entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "abc123" {
		t.Errorf("trace_id field = %v", fields["trace_id"])
	}
	if fields["logging.googleapis.com/trace"] != "projects/demo-project/traces/abc123" {
		t.Errorf("trace resource field = %v", fields["logging.googleapis.com/trace"])
	}
}

func TestRecoveryMiddlewareWritesInternalError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	chain := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/orders", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if entries := logs.FilterMessage("panic recovered").All(); len(entries) != 1 {
		t.Fatalf("panic entries = %d, want 1", len(entries))
	}
}
