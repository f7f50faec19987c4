package revenuecat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	providerName         = "revenuecat"
	revenueCatAPIBaseURL = "https://api.revenuecat.com/v1"
	defaultHTTPTimeout   = 10 * time.Second
	defaultRateLimit     = 20
	defaultRateBurst     = 40

	// RevenueCat webhook payloads are typically <100KB
	maxWebhookBodyBytes = 256 * 1024

	signatureHeader = "X-Provider-Signature"
)

// Provider implements the billing.Provider interface for RevenueCat
type Provider struct {
	reconciler  *subsync.Reconciler
	httpClient  *http.Client
	rateLimiter *internal.RateLimiter
	validate    *validator.Validate
	cors        func(http.Handler) http.Handler

	webhookSecret   []byte
	acceptHMAC      bool
	legacyTransport bool
	apiKey          string
	apiBaseURL      string

	logger  subsync.Logger
	metrics billing.Metrics
	now     func() time.Time
}

// NewProvider creates a new RevenueCat billing provider
func NewProvider(config billing.Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	// Secrets are sometimes pasted with their "Bearer " prefix.
	webhookSecret := []byte(stripBearer(strings.TrimSpace(config.WebhookSecret)))
	apiKey := stripBearer(strings.TrimSpace(config.APIKey))

	apiBaseURL := strings.TrimRight(strings.TrimSpace(config.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = revenueCatAPIBaseURL
	}

	rate, burst := config.RateLimit, config.RateBurst
	if rate == 0 {
		rate = defaultRateLimit
	}
	if burst == 0 {
		burst = defaultRateBurst
	}

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &Provider{
		reconciler:  config.Reconciler,
		httpClient:  httpClient,
		rateLimiter: internal.NewRateLimiter(rate, burst),
		validate:    validator.New(),
		cors: cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", signatureHeader},
			MaxAge:         300,
		}),
		webhookSecret:   webhookSecret,
		acceptHMAC:      config.EnableHMAC,
		legacyTransport: config.LegacySecretTransport,
		apiKey:          apiKey,
		apiBaseURL:      apiBaseURL,
		logger:          logger,
		metrics:         metrics,
		now:             now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for RevenueCat webhooks.
// CORS preflights are answered before rate limiting applies.
func (p *Provider) WebhookHandler() http.Handler {
	limited := p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook), func() {
		p.metrics.RecordWebhookError(providerName, "rate_limited")
	})
	return p.cors(limited)
}

// SyncUser pulls the subscriber from the RevenueCat API and reconciles it
func (p *Provider) SyncUser(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error) {
	start := time.Now()
	rec, err := p.syncUserFromAPI(ctx, strings.TrimSpace(userID))
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordUserSync(providerName, status)
	p.metrics.RecordUserSyncDuration(providerName, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("revenuecat sync: %w", err)
	}
	return rec, nil
}

// Replay reconciles a stored webhook body without authentication or transport
// checks, for redelivering events captured elsewhere.
func (p *Provider) Replay(ctx context.Context, body []byte) (subsync.Result, error) {
	ev, err := p.parseEvent(body)
	if err != nil {
		return subsync.Result{Outcome: subsync.OutcomeFailed}, fmt.Errorf("revenuecat replay: %w", err)
	}
	return p.reconciler.Process(ctx, ev)
}

func stripBearer(v string) string {
	if strings.HasPrefix(strings.ToLower(v), "bearer ") {
		return strings.TrimSpace(v[len("bearer "):])
	}
	return v
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
