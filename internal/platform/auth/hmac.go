// Package auth verifies signed server-to-server requests from trusted
// integrations such as kitchen displays and point-of-sale terminals.
package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quickbite/api/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves shared secrets by caller name.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves secrets from a fixed map, typically sourced from configuration.
func StaticSecrets(secrets map[string]string) SecretProvider {
	return SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		value, ok := secrets[name]
		if !ok || value == "" {
			return "", fmt.Errorf("auth: no secret registered for %q", name)
		}
		return value, nil
	})
}

// NonceStore tracks nonces for replay prevention.
type NonceStore interface {
	// UseNonce records the nonce within the scope. It returns false when the
	// nonce was already seen and is still within its retention window.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory; suitable for tests and single-instance deployments.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NonceStoreOption customises the in-memory nonce store.
type NonceStoreOption func(*InMemoryNonceStore)

// WithNonceClock injects a custom clock so expiry checks stay consistent with
// the validator's clock.
func WithNonceClock(now func() time.Time) NonceStoreOption {
	return func(s *InMemoryNonceStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore(opts ...NonceStoreOption) *InMemoryNonceStore {
	store := &InMemoryNonceStore{
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// UseNonce records the nonce until expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies signatures over method, path, timestamp, nonce and body hash.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger *zap.Logger
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names checked by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises the nonce retention duration.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	validator := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          zap.NewNop(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// CallerMetadata describes a verified caller for downstream handlers.
type CallerMetadata struct {
	Caller    string
	Timestamp time.Time
	Nonce     string
}

type callerContextKey struct{}

// WithCaller stores verified caller metadata on the context.
func WithCaller(ctx context.Context, meta *CallerMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, meta)
}

// CallerFromContext retrieves verified caller metadata from the context.
func CallerFromContext(ctx context.Context) (*CallerMetadata, bool) {
	meta, ok := ctx.Value(callerContextKey{}).(*CallerMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// RequireSignature enforces a valid HMAC signature scoped to the named caller.
func (v *HMACValidator) RequireSignature(caller string) func(http.Handler) http.Handler {
	caller = strings.TrimSpace(caller)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if caller == "" {
				v.reject(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "signing secret not configured")
				return
			}

			secret, err := v.provider.GetSecret(ctx, caller)
			if err != nil || secret == "" {
				v.logger.Warn("hmac secret lookup failed", zap.String("caller", caller), zap.Error(err))
				v.reject(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "signing secret unavailable")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			if signatureValue == "" {
				v.reject(ctx, w, http.StatusUnauthorized, "signature_missing", "signature header missing")
				return
			}

			timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
			timestamp, err := parseSignatureTimestamp(timestampValue)
			if err != nil {
				v.reject(ctx, w, http.StatusUnauthorized, "timestamp_invalid", "signature timestamp missing or invalid")
				return
			}

			if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
				v.reject(ctx, w, http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
				return
			}

			nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
			if nonce == "" {
				v.reject(ctx, w, http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
				return
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				v.reject(ctx, w, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}

			signature, err := decodeSignature(signatureValue)
			if err != nil {
				v.reject(ctx, w, http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
				return
			}

			expected := computeHMAC([]byte(secret), canonicalRequest(r, body, timestampValue, nonce))
			if !hmac.Equal(signature, expected) {
				v.reject(ctx, w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			if v.nonces == nil {
				v.reject(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable")
				return
			}

			expiry := timestamp.Add(v.nonceTTL)
			if expiry.Before(v.now()) {
				expiry = v.now().Add(v.nonceTTL)
			}
			stored, err := v.nonces.UseNonce(ctx, caller, nonce, expiry)
			if err != nil {
				v.logger.Warn("nonce store error", zap.String("caller", caller), zap.Error(err))
				v.reject(ctx, w, http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
				return
			}
			if !stored {
				v.reject(ctx, w, http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
				return
			}

			meta := &CallerMetadata{Caller: caller, Timestamp: timestamp, Nonce: nonce}
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, meta)))
		})
	}
}

func (v *HMACValidator) reject(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalRequest joins method, path, timestamp, nonce and the body hash with newlines.
func canonicalRequest(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n")
	return []byte(canonical)
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
