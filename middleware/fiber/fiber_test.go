package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

// errorLookup always fails
type errorLookup struct{}

func (errorLookup) FindActiveByUserID(context.Context, string) (*subsync.SubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

// Test helper to create a store with one active "pro" subscriber
func setupTestStore(t *testing.T) *memory.Storage {
	t.Helper()

	store := memory.New(memory.WithoutUserCheck())
	end := testNow.Add(30 * 24 * time.Hour)
	store.Seed(&subsync.SubscriptionRecord{
		UserID:           "user1",
		ProviderUserID:   "rc_user1",
		Entitlement:      "pro",
		IsActive:         true,
		WillRenew:        true,
		CurrentPeriodEnd: &end,
	})
	return store
}

func newTestApp(cfg Config) *fiber.App {
	cfg.Now = func() time.Time { return testNow }
	app := fiber.New()
	app.Get("/api/:plan", Middleware(cfg), func(c *fiber.Ctx) error {
		return c.SendString(Subscription(c).Entitlement)
	})
	return app
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		lookup   subsync.ActiveLookup
		userID   string
		path     string
		wantCode int
		wantBody string
	}{
		{name: "entitled", userID: "user1", path: "/api/pro", wantCode: http.StatusOK, wantBody: "pro"},
		{name: "entitlement is case insensitive", userID: "user1", path: "/api/PRO", wantCode: http.StatusOK},
		{name: "missing user", path: "/api/pro", wantCode: http.StatusUnauthorized},
		{name: "no subscription", userID: "user2", path: "/api/pro", wantCode: http.StatusForbidden},
		{name: "wrong plan", userID: "user1", path: "/api/team", wantCode: http.StatusForbidden},
		{name: "lookup error", lookup: errorLookup{}, userID: "user1", path: "/api/pro", wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := tt.lookup
			if lookup == nil {
				lookup = setupTestStore(t)
			}
			app := newTestApp(Config{
				Lookup:         lookup,
				GetUserID:      FromHeader("X-User-ID"),
				GetEntitlement: EntitlementFromParam("plan"),
			})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, resp.StatusCode)
			}
			if tt.wantBody != "" {
				body, _ := io.ReadAll(resp.Body)
				if string(body) != tt.wantBody {
					t.Errorf("Expected body %q, got %q", tt.wantBody, string(body))
				}
			}
		})
	}
}

func TestMiddleware_CustomNotEntitled(t *testing.T) {
	var got string
	app := newTestApp(Config{
		Lookup:         setupTestStore(t),
		GetUserID:      FromQuery("uid"),
		GetEntitlement: FixedEntitlement("team"),
		OnNotEntitled: func(c *fiber.Ctx, entitlement string) error {
			got = entitlement
			return c.SendStatus(fiber.StatusPaymentRequired)
		},
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/x?uid=user1", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != fiber.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}
	if got != "team" {
		t.Errorf("Expected entitlement 'team', got %q", got)
	}
}

func TestMiddleware_FromLocals(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "user1")
		return c.Next()
	})
	app.Use(Middleware(Config{
		Lookup:    setupTestStore(t),
		GetUserID: FromContext("UserID"),
		Now:       func() time.Time { return testNow },
	}))
	app.Get("/users/:id", func(c *fiber.Ctx) error {
		return c.SendString(FromParam("id")(c))
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/users/user1", nil))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}
