// Package echo provides Echo middleware that requires an active subscription
package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Echo context key holding the active *subsync.SubscriptionRecord
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// EntitlementExtractor picks the entitlement a request requires.
// Empty means any active subscription.
type EntitlementExtractor func(c echo.Context) string

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
	OnNotEntitled func(c echo.Context, entitlement string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires an active subscription
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Lookup == nil {
		panic("subsync/echo: Config.Lookup is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}

	if cfg.NotEntitledStatusCode == 0 {
		cfg.NotEntitledStatusCode = http.StatusForbidden
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			var entitlement string
			if cfg.GetEntitlement != nil {
				entitlement = cfg.GetEntitlement(c)
			}

			rec, err := subsync.Entitled(c.Request().Context(), cfg.Lookup, userID, entitlement, cfg.Now())
			if errors.Is(err, subsync.ErrNotEntitled) {
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c, entitlement)
				}
				return defaultNotEntitled(c, entitlement, cfg.NotEntitledStatusCode)
			}
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			c.Set(SubscriptionKey, rec)
			return next(c)
		}
	}
}

// Subscription returns the record stored by Middleware, or nil
func Subscription(c echo.Context) *subsync.SubscriptionRecord {
	rec, _ := c.Get(SubscriptionKey).(*subsync.SubscriptionRecord)
	return rec
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultNotEntitled(c echo.Context, entitlement string, statusCode int) error {
	if entitlement != "" {
		return c.JSON(statusCode, map[string]string{
			"error":       "Subscription required",
			"entitlement": entitlement,
		})
	}
	return c.JSON(statusCode, map[string]string{"error": "Subscription required"})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware via c.Set("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}

// FixedEntitlement returns an EntitlementExtractor that always returns name
func FixedEntitlement(name string) EntitlementExtractor {
	return func(echo.Context) string {
		return name
	}
}
