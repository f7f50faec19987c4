package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

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

func newTestEcho(cfg Config) *echo.Echo {
	cfg.Now = func() time.Time { return testNow }
	e := echo.New()
	e.Use(Middleware(cfg))
	e.GET("/api/test", func(c echo.Context) error {
		return c.String(http.StatusOK, Subscription(c).ProviderUserID)
	})
	return e
}

func TestMiddleware_Success(t *testing.T) {
	e := newTestEcho(Config{
		Lookup:         setupTestStore(t),
		GetUserID:      FromHeader("X-User-ID"),
		GetEntitlement: FixedEntitlement("pro"),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "rc_user1" {
		t.Errorf("Expected 'rc_user1', got %s", rec.Body.String())
	}
}

func TestMiddleware_Denied(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		code       int
		statusCode int
	}{
		{name: "missing user", code: http.StatusUnauthorized},
		{name: "no subscription", userID: "user2", code: http.StatusForbidden},
		{name: "custom status", userID: "user2", statusCode: http.StatusPaymentRequired, code: http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEcho(Config{
				Lookup:                setupTestStore(t),
				GetUserID:             FromQuery("uid"),
				GetEntitlement:        FixedEntitlement("pro"),
				NotEntitledStatusCode: tt.statusCode,
			})

			req := httptest.NewRequest(http.MethodGet, "/api/test?uid="+tt.userID, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

type brokenLookup struct{}

func (brokenLookup) FindActiveByUserID(context.Context, string) (*subsync.SubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

func TestMiddleware_LookupError(t *testing.T) {
	called := false
	e := newTestEcho(Config{
		Lookup:    brokenLookup{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(c echo.Context, err error) error {
			called = true
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if !called {
		t.Error("Expected OnError to be called")
	}
}

func TestMiddleware_FromContext(t *testing.T) {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("UserID", "user1")
			return next(c)
		}
	})
	e.Use(Middleware(Config{
		Lookup:    setupTestStore(t),
		GetUserID: FromContext("UserID"),
		Now:       func() time.Time { return testNow },
	}))
	e.GET("/users/:id", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/user1", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}
