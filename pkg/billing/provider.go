package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Provider is the generic interface that any subscription provider integration must implement.
type Provider interface {
	// Name returns the provider name (e.g., "revenuecat")
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider events.
	// The implementation authenticates, parses and reconciles internally.
	WebhookHandler() http.Handler

	// SyncUser pulls the user's current state from the provider API and feeds it
	// through the reconciler. This is the recovery path for deferred webhooks
	// ("Restore Purchases", first login after an anonymous purchase).
	// Returns the user's active record after the sync, or nil if none.
	SyncUser(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error)
}
