package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func signRequest(t *testing.T, r *http.Request, secret, timestamp, nonce string, body []byte) {
	t.Helper()

	hash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(r.Method),
		r.URL.EscapedPath(),
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))

	r.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	r.Header.Set("X-Signature-Timestamp", timestamp)
	r.Header.Set("X-Signature-Nonce", nonce)
}

func newValidator(now time.Time) *HMACValidator {
	clock := func() time.Time { return now }
	return NewHMACValidator(
		StaticSecrets(map[string]string{"kitchen": "topsecret"}),
		NewInMemoryNonceStore(WithNonceClock(clock)),
		WithHMACClock(clock),
	)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireSignatureAcceptsValidRequest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	validator := newValidator(now)

	body := []byte(`{"orderId":"o-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/orders", bytes.NewReader(body))
	signRequest(t, req, "topsecret", now.Format(time.RFC3339), "nonce-1", body)

	var sawCaller string
	handler := validator.RequireSignature("kitchen")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if meta, ok := CallerFromContext(r.Context()); ok {
			sawCaller = meta.Caller
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if sawCaller != "kitchen" {
		t.Errorf("caller metadata missing, got %q", sawCaller)
	}
}

func TestRequireSignatureRejectsTamperedBody(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	validator := newValidator(now)

	body := []byte(`{"orderId":"o-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/orders", bytes.NewReader([]byte(`{"orderId":"o-2"}`)))
	signRequest(t, req, "topsecret", now.Format(time.RFC3339), "nonce-1", body)

	rec := httptest.NewRecorder()
	validator.RequireSignature("kitchen")(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireSignatureRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	validator := newValidator(now)

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/orders", bytes.NewReader(body))
	stale := now.Add(-10 * time.Minute).Format(time.RFC3339)
	signRequest(t, req, "topsecret", stale, "nonce-1", body)

	rec := httptest.NewRecorder()
	validator.RequireSignature("kitchen")(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireSignatureRejectsReplayedNonce(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	validator := newValidator(now)
	handler := validator.RequireSignature("kitchen")(okHandler())

	body := []byte(`{}`)
	timestamp := now.Format(time.RFC3339)

	first := httptest.NewRequest(http.MethodPost, "/internal/orders", bytes.NewReader(body))
	signRequest(t, first, "topsecret", timestamp, "nonce-1", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}

	replay := httptest.NewRequest(http.MethodPost, "/internal/orders", bytes.NewReader(body))
	signRequest(t, replay, "topsecret", timestamp, "nonce-1", body)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, replay)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", rec.Code)
	}
}

func TestRequireSignatureUnknownCaller(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	validator := newValidator(now)

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/internal/orders", bytes.NewReader(body))
	signRequest(t, req, "topsecret", now.Format(time.RFC3339), "nonce-1", body)

	rec := httptest.NewRecorder()
	validator.RequireSignature("unknown")(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestInMemoryNonceStoreHonoursInjectedClock(t *testing.T) {
	// The store must judge expiries against the injected clock, not the wall
	// clock, or signed requests stamped with a test clock get rejected.
	frozen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemoryNonceStore(WithNonceClock(func() time.Time { return frozen }))

	ok, err := store.UseNonce(nil, "kitchen", "n1", frozen.Add(5*time.Minute))
	if err != nil || !ok {
		t.Fatalf("nonce with future expiry relative to injected clock: ok=%v err=%v", ok, err)
	}

	if _, err := store.UseNonce(nil, "kitchen", "n2", frozen.Add(-time.Second)); err == nil {
		t.Error("expiry before the injected clock should be rejected")
	}
}

func TestInMemoryNonceStoreExpiry(t *testing.T) {
	store := NewInMemoryNonceStore()

	ok, err := store.UseNonce(nil, "kitchen", "n1", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}

	ok, err = store.UseNonce(nil, "kitchen", "n1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second use returned error: %v", err)
	}
	if ok {
		t.Error("replayed nonce should be rejected")
	}

	// A different scope is tracked independently.
	ok, err = store.UseNonce(nil, "pos", "n1", time.Now().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("different scope: ok=%v err=%v", ok, err)
	}
}
