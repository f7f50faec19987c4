package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Reader is the subset of subsync.Storage the handler reads.
type Reader interface {
	FindActiveByUserID(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error)
	FindLatestByUserID(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error)
}

// Syncer pulls a user's state from the billing provider (billing.Provider).
type Syncer interface {
	SyncUser(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error)
}

// Config holds configuration for the Subscription API handler
type Config struct {
	// Reader is the subscription store (required)
	Reader Reader

	// Syncer backs Sync. If nil, Sync answers 501.
	Syncer Syncer

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger for failed lookups (defaults to subsync.NoopLogger)
	Logger subsync.Logger

	// Now is the clock used to report expired subscriptions. Default: time.Now
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reader == nil {
		return fmt.Errorf("reader is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new Subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
