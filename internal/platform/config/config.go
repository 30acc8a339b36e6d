// Package config loads runtime configuration from the environment, resolving
// secret:// references through an optional SecretResolver.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	envPrefix = "API_"

	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultSecurityEnvironment = "local"
	defaultRepositoryDriver    = "memory"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firestore   FirestoreConfig
	Repository  RepositoryConfig
	PSP         PSPConfig
	Events      EventsConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// RepositoryConfig selects the persistence backend.
type RepositoryConfig struct {
	// Driver is either "firestore" or "memory".
	Driver string
}

// PSPConfig collects credentials for the payment provider.
type PSPConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	SuccessURL          string
	CancelURL           string
}

// EventsConfig configures the Pub/Sub order event stream.
type EventsConfig struct {
	ProjectID  string
	OrderTopic string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	HMAC        HMACConfig
}

// HMACConfig captures internal request signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

type loadOptions struct {
	lookup   func(string) (string, bool)
	resolver SecretResolver
}

// Option customises Load behaviour.
type Option func(*loadOptions)

// WithLookup overrides the environment lookup function, primarily for tests.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if lookup != nil {
			o.lookup = lookup
		}
	}
}

// WithSecretResolver sets the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loadOptions) {
		o.resolver = resolver
	}
}

// Load reads configuration from the environment and validates required fields.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	get := func(key string) string {
		value, _ := o.lookup(envPrefix + key)
		return strings.TrimSpace(value)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         valueOrDefault(get("PORT"), defaultPort),
			ReadTimeout:  durationOrDefault(get("SERVER_READ_TIMEOUT"), defaultReadTimeout),
			WriteTimeout: durationOrDefault(get("SERVER_WRITE_TIMEOUT"), defaultWriteTimeout),
			IdleTimeout:  durationOrDefault(get("SERVER_IDLE_TIMEOUT"), defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    get("FIRESTORE_PROJECT_ID"),
			EmulatorHost: get("FIRESTORE_EMULATOR_HOST"),
		},
		Repository: RepositoryConfig{
			Driver: strings.ToLower(valueOrDefault(get("REPOSITORY_DRIVER"), defaultRepositoryDriver)),
		},
		PSP: PSPConfig{
			StripeAPIKey:        get("STRIPE_API_KEY"),
			StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:          get("CHECKOUT_SUCCESS_URL"),
			CancelURL:           get("CHECKOUT_CANCEL_URL"),
		},
		Events: EventsConfig{
			ProjectID:  get("EVENTS_PROJECT_ID"),
			OrderTopic: get("EVENTS_ORDER_TOPIC"),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(valueOrDefault(get("SECURITY_ENVIRONMENT"), defaultSecurityEnvironment)),
			HMAC: HMACConfig{
				Secrets:         parseKeyValueList(get("HMAC_SECRETS")),
				SignatureHeader: valueOrDefault(get("HMAC_SIGNATURE_HEADER"), defaultHMACSignatureHeader),
				TimestampHeader: valueOrDefault(get("HMAC_TIMESTAMP_HEADER"), defaultHMACTimestampHeader),
				NonceHeader:     valueOrDefault(get("HMAC_NONCE_HEADER"), defaultHMACNonceHeader),
				ClockSkew:       durationOrDefault(get("HMAC_CLOCK_SKEW"), defaultHMACClockSkew),
				NonceTTL:        durationOrDefault(get("HMAC_NONCE_TTL"), defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: valueOrDefault(get("IDEMPOTENCY_HEADER"), defaultIdempotencyHeader),
			TTL:    durationOrDefault(get("IDEMPOTENCY_TTL"), defaultIdempotencyTTL),
		},
	}

	if err := resolveSecrets(ctx, &cfg, o.resolver); err != nil {
		return Config{}, err
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecrets(ctx context.Context, cfg *Config, resolver SecretResolver) error {
	targets := []*string{
		&cfg.PSP.StripeAPIKey,
		&cfg.PSP.StripeWebhookSecret,
	}
	for name := range cfg.Security.HMAC.Secrets {
		value := cfg.Security.HMAC.Secrets[name]
		targets = append(targets, &value)
		defer func(name string, value *string) {
			cfg.Security.HMAC.Secrets[name] = *value
		}(name, &value)
	}

	for _, target := range targets {
		ref := strings.TrimSpace(*target)
		if !strings.HasPrefix(ref, "secret://") {
			continue
		}
		if resolver == nil {
			return &SecretError{Ref: ref, Err: fmt.Errorf("no secret resolver configured")}
		}
		resolved, err := resolver.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Ref: ref, Err: err}
		}
		*target = resolved
	}
	return nil
}

func validate(cfg Config) error {
	var missing []string

	switch cfg.Repository.Driver {
	case "memory":
	case "firestore":
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "FIRESTORE_PROJECT_ID")
		}
	default:
		missing = append(missing, "REPOSITORY_DRIVER")
	}

	if _, err := strconv.Atoi(cfg.Server.Port); err != nil {
		missing = append(missing, "PORT")
	}

	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &ValidationError{fields: missing}
}

func valueOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func durationOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// parseKeyValueList parses "name=value,name2=value2" pairs.
func parseKeyValueList(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
