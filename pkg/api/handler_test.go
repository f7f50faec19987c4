package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

const testUserID = "user123"

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestHandler(t *testing.T, reader Reader, syncer Syncer) *Handler {
	t.Helper()
	h, err := NewHandler(Config{
		Reader:    reader,
		Syncer:    syncer,
		GetUserID: FromHeader("X-User-ID"),
		Now:       func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return h
}

func get(h http.HandlerFunc, userID string) (*httptest.ResponseRecorder, SubscriptionResponse) {
	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	h(w, req)

	var resp SubscriptionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func seed(store *memory.Storage, active, willRenew bool, end time.Time) {
	store.Seed(&subsync.SubscriptionRecord{
		UserID:           testUserID,
		ProviderUserID:   "rc_" + testUserID,
		Entitlement:      "pro",
		ProductID:        "pro_monthly",
		Store:            subsync.StoreAppStore,
		Environment:      subsync.EnvironmentProduction,
		IsActive:         active,
		WillRenew:        willRenew,
		CurrentPeriodEnd: &end,
	})
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")})
	assert.ErrorContains(t, err, "reader is required")

	_, err = NewHandler(Config{Reader: memory.New()})
	assert.ErrorContains(t, err, "getUserID is required")
}

func TestHandler_GetSubscription_Status(t *testing.T) {
	tests := []struct {
		name      string
		active    bool
		willRenew bool
		end       time.Time
		want      string
	}{
		{name: "renewing", active: true, willRenew: true, end: testNow.Add(time.Hour), want: statusActive},
		{name: "cancelled in period", active: true, end: testNow.Add(time.Hour), want: statusCancelled},
		{name: "cancelled past period", active: true, end: testNow.Add(-time.Hour), want: statusExpired},
		{name: "inactive", end: testNow.Add(-time.Hour), want: statusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New(memory.WithoutUserCheck())
			seed(store, tt.active, tt.willRenew, tt.end)
			h := newTestHandler(t, store, nil)

			w, resp := get(h.GetSubscription, testUserID)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, "pro", resp.Entitlement)
			assert.Equal(t, "app_store", resp.Store)
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
		})
	}
}

func TestHandler_GetSubscription_None(t *testing.T) {
	h := newTestHandler(t, memory.New(), nil)

	w, resp := get(h.GetSubscription, "nobody")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, statusNone, resp.Status)
	assert.Equal(t, "nobody", resp.UserID)
}

func TestHandler_GetSubscription_BadUser(t *testing.T) {
	h := newTestHandler(t, memory.New(), nil)

	w, _ := get(h.GetSubscription, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = get(h.GetSubscription, strings.Repeat("x", maxUserIDLen+1))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type failingReader struct{}

func (failingReader) FindActiveByUserID(context.Context, string) (*subsync.SubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

func (failingReader) FindLatestByUserID(context.Context, string) (*subsync.SubscriptionRecord, error) {
	return nil, errors.New("connection refused")
}

func TestHandler_GetSubscription_StorageError(t *testing.T) {
	var handled error
	h, err := NewHandler(Config{
		Reader:    failingReader{},
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			handled = err
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	require.NoError(t, err)

	w, _ := get(h.GetSubscription, testUserID)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.ErrorContains(t, handled, "failed to get subscription")
}

type stubSyncer struct {
	rec *subsync.SubscriptionRecord
	err error
}

func (s stubSyncer) SyncUser(context.Context, string) (*subsync.SubscriptionRecord, error) {
	return s.rec, s.err
}

func TestHandler_Sync(t *testing.T) {
	end := testNow.Add(24 * time.Hour)
	active := &subsync.SubscriptionRecord{UserID: testUserID, Entitlement: "pro", IsActive: true, WillRenew: true, CurrentPeriodEnd: &end}

	tests := []struct {
		name       string
		syncer     Syncer
		wantCode   int
		wantStatus string
	}{
		{name: "not configured", wantCode: http.StatusNotImplemented},
		{name: "active", syncer: stubSyncer{rec: active}, wantCode: http.StatusOK, wantStatus: statusActive},
		{name: "nothing active", syncer: stubSyncer{}, wantCode: http.StatusOK, wantStatus: statusNone},
		{name: "unknown user", syncer: stubSyncer{err: fmt.Errorf("revenuecat sync: %w", billing.ErrUserNotFound)}, wantCode: http.StatusNotFound},
		{name: "no api key", syncer: stubSyncer{err: billing.ErrProviderNotConfigured}, wantCode: http.StatusNotImplemented},
		{name: "provider down", syncer: stubSyncer{err: billing.ErrProviderAPIError}, wantCode: http.StatusBadGateway},
		{name: "store down", syncer: stubSyncer{err: subsync.ErrStorageUnavailable}, wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, memory.New(), tt.syncer)

			req := httptest.NewRequest(http.MethodPost, "/sync", nil)
			req.Header.Set("X-User-ID", testUserID)
			w := httptest.NewRecorder()
			h.Sync(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantStatus != "" {
				var resp SubscriptionResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantStatus, resp.Status)
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	type key struct{}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), key{}, testUserID))

	assert.Equal(t, testUserID, FromContext(key{})(req))
	assert.Empty(t, FromContext("other")(req))
}
