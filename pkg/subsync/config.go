package subsync

import (
	"context"
	"errors"
	"time"
)

// Change describes an applied write, delivered to Config.OnChange.
type Change struct {
	Event    *Event
	Outcome  Outcome
	Previous *SubscriptionRecord
	Current  *SubscriptionRecord
}

// ChangeFunc is called after a successful, non-skipped write.
type ChangeFunc func(ctx context.Context, change Change) error

// Config holds reconciler configuration
type Config struct {
	// Logger for reconciliation decisions (defaults to NoopLogger)
	Logger Logger

	// Metrics collector (defaults to NoopMetrics)
	Metrics Metrics

	// Ledger skips event ids already processed (optional)
	Ledger EventLedger

	// LedgerTTL is how long processed event ids are remembered
	LedgerTTL time.Duration

	// OnChange is notified of applied writes (optional).
	// An error from OnChange fails the event so the provider redelivers it.
	OnChange ChangeFunc

	// MaxWriteAttempts bounds retries after racing activations
	MaxWriteAttempts int
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		Logger:           &NoopLogger{},
		Metrics:          &NoopMetrics{},
		LedgerTTL:        72 * time.Hour,
		MaxWriteAttempts: DefaultMaxWriteAttempts,
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.MaxWriteAttempts < 0 {
		return errors.New("max write attempts must be non-negative")
	}
	if c.LedgerTTL < 0 {
		return errors.New("ledger TTL must be non-negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Metrics == nil {
		c.Metrics = d.Metrics
	}
	if c.MaxWriteAttempts == 0 {
		c.MaxWriteAttempts = d.MaxWriteAttempts
	}
	if c.Ledger != nil && c.LedgerTTL == 0 {
		c.LedgerTTL = d.LedgerTTL
	}
}
