// Package http provides HTTP middleware that gates handlers on an active subscription
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// EntitlementExtractor picks the entitlement a request requires.
// For example: "pro", "team". Empty means any active subscription.
type EntitlementExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Lookup finds the user's active subscription (required)
	Lookup subsync.ActiveLookup

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetEntitlement picks the required entitlement (optional)
	GetEntitlement EntitlementExtractor

	// Now is the clock used to check period end. Default: time.Now
	Now func() time.Time

	// OnNotEntitled is called when no active subscription grants access
	// If nil, returns 403 Forbidden
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, entitlement string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that requires an active subscription
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Lookup == nil {
		panic("subsync middleware: Lookup is required")
	}
	if config.GetUserID == nil {
		panic("subsync middleware: GetUserID is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			var entitlement string
			if config.GetEntitlement != nil {
				entitlement = config.GetEntitlement(r)
			}

			ctx := r.Context()
			rec, err := subsync.Entitled(ctx, config.Lookup, userID, entitlement, config.Now())
			if err != nil {
				if errors.Is(err, subsync.ErrNotEntitled) {
					if config.OnNotEntitled != nil {
						config.OnNotEntitled(w, r, entitlement)
					} else {
						http.Error(w, "Subscription required", http.StatusForbidden)
					}
				} else {
					if config.OnError != nil {
						config.OnError(w, r, err)
					} else {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscription(ctx, rec)))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subsync:userID"

	// SubscriptionKey is the context key for the active subscription record
	SubscriptionKey ContextKey = "subsync:subscription"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FixedEntitlement returns an EntitlementExtractor that always returns name
func FixedEntitlement(name string) EntitlementExtractor {
	return func(r *http.Request) string {
		return name
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithSubscription adds the active subscription record to ctx
func WithSubscription(ctx context.Context, rec *subsync.SubscriptionRecord) context.Context {
	return context.WithValue(ctx, SubscriptionKey, rec)
}

// SubscriptionFromContext returns the record stored by the middleware, or nil
func SubscriptionFromContext(ctx context.Context) *subsync.SubscriptionRecord {
	rec, _ := ctx.Value(SubscriptionKey).(*subsync.SubscriptionRecord)
	return rec
}
