package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func countingHandler(calls *atomic.Int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"o-1"}`))
	})
}

func TestMiddlewareReplaysCompletedResponse(t *testing.T) {
	var calls atomic.Int64
	handler := Middleware(NewMemoryStore())(countingHandler(&calls))

	makeRequest := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"token":"t-1"}`))
		req.Header.Set("Idempotency-Key", "key-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := makeRequest()
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", first.Code)
	}
	if first.Header().Get("X-Idempotent-Replay") != "" {
		t.Error("first response should not carry replay marker")
	}

	second := makeRequest()
	if second.Code != http.StatusCreated {
		t.Fatalf("second request: expected 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Error("replayed response missing replay marker")
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body %q differs from original %q", second.Body.String(), first.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1", calls.Load())
	}
}

func TestMiddlewareRejectsMissingKey(t *testing.T) {
	var calls atomic.Int64
	handler := Middleware(NewMemoryStore())(countingHandler(&calls))

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if calls.Load() != 0 {
		t.Error("handler should not run without key")
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentBody(t *testing.T) {
	var calls atomic.Int64
	handler := Middleware(NewMemoryStore())(countingHandler(&calls))

	first := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"token":"t-1"}`))
	first.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"token":"t-2"}`))
	second.Header.Set("Idempotency-Key", "key-1")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("handler invoked %d times, want 1", calls.Load())
	}
}

func TestMiddlewareIgnoresSafeMethods(t *testing.T) {
	var calls atomic.Int64
	handler := Middleware(NewMemoryStore())(countingHandler(&calls))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected handler to run, got %d", rec.Code)
	}
	if calls.Load() != 1 {
		t.Error("handler should run for GET without a key")
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if _, err := store.Reserve(nil, "key-1", "fp", now, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := store.Reserve(nil, "key-2", "fp", now, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	removed, err := store.CleanupExpired(nil, now.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d records, want 1", removed)
	}
}
