package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Reconciler receives every parsed event
	Reconciler *subsync.Reconciler

	// WebhookSecret is the shared secret for webhook authentication: either sent
	// as "Authorization: Bearer <secret>" or used as the HMAC-SHA256 key.
	WebhookSecret string

	// EnableHMAC accepts an HMAC-SHA256 signature of the body (hex or base64)
	// in the X-Provider-Signature header.
	EnableHMAC bool

	// LegacySecretTransport additionally accepts the raw secret in the "secret"
	// query parameter, in X-Provider-Signature, or as a bearer token that is not
	// shaped like a JWT. Only for hosts whose gateway consumes the
	// Authorization header before the handler runs.
	LegacySecretTransport bool

	// APIKey is used for outbound API calls to the provider (SyncUser).
	APIKey string

	// APIBaseURL overrides the provider API endpoint (tests, proxies).
	APIBaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// AllowedOrigins for CORS preflight on the webhook endpoint (default "*")
	AllowedOrigins []string

	// RateLimit is the sustained requests per second allowed per client IP
	RateLimit float64

	// RateBurst is the burst size per client IP
	RateBurst int

	// Logger for request handling (defaults to subsync.NoopLogger)
	Logger subsync.Logger

	// Metrics is an optional metrics collector for tracking provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Now is the clock used for health responses and sync timestamps
	Now func() time.Time
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Reconciler == nil {
		return ErrProviderNotConfigured
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return errors.New("rate limit must be non-negative")
	}
	return nil
}
