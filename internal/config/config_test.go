package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE", "")
	t.Setenv("WEBHOOK_PATH", "")
	t.Setenv("ENABLE_HMAC", "")
	t.Setenv("LEGACY_SECRET_TRANSPORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "/webhooks/revenuecat", cfg.WebhookPath)
	assert.True(t, cfg.EnableHMAC)
	assert.False(t, cfg.LegacySecretTransport)
	assert.Equal(t, 3, cfg.MaxWriteAttempts)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORE", "Memory")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("LEGACY_SECRET_TRANSPORT", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("LEDGER_TTL", "24h")
	t.Setenv("WEBHOOK_RATE_LIMIT", "2.5")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "s3cret", cfg.WebhookSecret)
	assert.True(t, cfg.LegacySecretTransport)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 24*time.Hour, cfg.LedgerTTL)
	assert.InDelta(t, 2.5, cfg.RateLimit, 0.0001)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold, "invalid values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "sqlite" }, wantErr: true},
		{name: "postgres without url", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: true},
		{name: "memory without url", mutate: func(c *Config) { c.Store = StoreMemory; c.DatabaseURL = "" }},
		{name: "relative path", mutate: func(c *Config) { c.WebhookPath = "hooks" }, wantErr: true},
		{name: "negative burst", mutate: func(c *Config) { c.RateBurst = -1 }, wantErr: true},
		{name: "negative attempts", mutate: func(c *Config) { c.MaxWriteAttempts = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Store:       StorePostgres,
				DatabaseURL: "postgres://localhost/subsync",
				WebhookPath: "/webhooks/revenuecat",
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
