// Package fiber provides Fiber middleware that requires an active subscription
package fiber

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SubscriptionKey is the Locals key holding the active *subsync.SubscriptionRecord
const SubscriptionKey = "subsync.subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// EntitlementExtractor picks the entitlement a request requires.
// Empty means any active subscription.
type EntitlementExtractor func(c *fiber.Ctx) string

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
	OnNotEntitled func(c *fiber.Ctx, entitlement string) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires an active subscription
func Middleware(cfg Config) fiber.Handler {
	if cfg.Lookup == nil {
		panic("subsync/fiber: Config.Lookup is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
	}

	if cfg.NotEntitledStatusCode == 0 {
		cfg.NotEntitledStatusCode = fiber.StatusForbidden
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
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

		// Fiber's UserContext defaults to context.Background
		ctx := c.UserContext()
		if ctx == nil {
			ctx = context.Background()
		}

		rec, err := subsync.Entitled(ctx, cfg.Lookup, userID, entitlement, cfg.Now())
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

		c.Locals(SubscriptionKey, rec)
		return c.Next()
	}
}

// Subscription returns the record stored by Middleware, or nil
func Subscription(c *fiber.Ctx) *subsync.SubscriptionRecord {
	rec, _ := c.Locals(SubscriptionKey).(*subsync.SubscriptionRecord)
	return rec
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultNotEntitled(c *fiber.Ctx, entitlement string, statusCode int) error {
	if entitlement != "" {
		return c.Status(statusCode).JSON(fiber.Map{
			"error":       "Subscription required",
			"entitlement": entitlement,
		})
	}
	return c.Status(statusCode).JSON(fiber.Map{"error": "Subscription required"})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware via c.Locals("UserID", "...").
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// FixedEntitlement returns an EntitlementExtractor that always returns name
func FixedEntitlement(name string) EntitlementExtractor {
	return func(*fiber.Ctx) string {
		return name
	}
}

// EntitlementFromParam returns an EntitlementExtractor reading a route parameter
func EntitlementFromParam(paramName string) EntitlementExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
