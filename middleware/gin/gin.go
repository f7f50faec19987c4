// Package gin provides Gin middleware that requires an active subscription
package gin

import (
	"errors"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Gin context key holding the active *subsync.SubscriptionRecord
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// EntitlementExtractor picks the entitlement a request requires.
// Empty means any active subscription.
type EntitlementExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Lookup finds the user's active subscription (required)
	Lookup subsync.ActiveLookup

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetEntitlement picks the required entitlement (optional)
	GetEntitlement EntitlementExtractor

	// NotEntitledStatusCode is returned when no active subscription grants access
	// Default: 403 (Forbidden)
	NotEntitledStatusCode int

	// Now is the clock used to check period end. Default: time.Now
	Now func() time.Time

	// OnNotEntitled is called when no active subscription grants access
	// If nil, uses default response: NotEntitledStatusCode JSON
	OnNotEntitled func(c *gongin.Context, entitlement string)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires an active subscription
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Lookup == nil {
		panic("subsync/gin: Config.Lookup is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}

	if cfg.NotEntitledStatusCode == 0 {
		cfg.NotEntitledStatusCode = http.StatusForbidden
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		var entitlement string
		if cfg.GetEntitlement != nil {
			entitlement = cfg.GetEntitlement(c)
		}

		rec, err := subsync.Entitled(c.Request.Context(), cfg.Lookup, userID, entitlement, cfg.Now())
		if err != nil {
			if errors.Is(err, subsync.ErrNotEntitled) {
				if cfg.OnNotEntitled != nil {
					cfg.OnNotEntitled(c, entitlement)
				} else {
					defaultNotEntitled(c, entitlement, cfg.NotEntitledStatusCode)
				}
				c.Abort()
				return
			}

			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, rec)
		c.Next()
	}
}

// Subscription returns the record stored by Middleware, or nil
func Subscription(c *gongin.Context) *subsync.SubscriptionRecord {
	if val, exists := c.Get(SubscriptionKey); exists {
		if rec, ok := val.(*subsync.SubscriptionRecord); ok {
			return rec
		}
	}
	return nil
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultNotEntitled(c *gongin.Context, entitlement string, statusCode int) {
	if entitlement != "" {
		c.JSON(statusCode, gongin.H{
			"error":       "Subscription required",
			"entitlement": entitlement,
		})
	} else {
		c.JSON(statusCode, gongin.H{"error": "Subscription required"})
	}
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware, e.g. c.Set("UserID", "...").
//
// Example:
//
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Entitlement

// FixedEntitlement returns an EntitlementExtractor that always returns name
func FixedEntitlement(name string) EntitlementExtractor {
	return func(*gongin.Context) string {
		return name
	}
}

// EntitlementFromParam returns an EntitlementExtractor reading a route parameter
func EntitlementFromParam(paramName string) EntitlementExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
