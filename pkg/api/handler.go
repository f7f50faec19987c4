package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	statusActive    = "active"
	statusCancelled = "cancelled"
	statusExpired   = "expired"
	statusNone      = "none"
	maxUserIDLen    = 255
)

// Handler provides HTTP endpoints for subscription inspection
type Handler struct {
	config Config
}

// GetSubscription returns the user's current subscription standing.
// Users without an active record get their latest record with status
// "expired", or status "none".
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	rec, err := h.config.Reader.FindActiveByUserID(ctx, userID)
	if errors.Is(err, subsync.ErrRecordNotFound) {
		rec, err = h.config.Reader.FindLatestByUserID(ctx, userID)
	}
	if errors.Is(err, subsync.ErrRecordNotFound) {
		h.writeJSON(w, http.StatusOK, SubscriptionResponse{UserID: userID, Status: statusNone})
		return
	}
	if err != nil {
		h.config.Logger.Error("subscription lookup failed", subsync.F("user_id", userID), subsync.F("error", err))
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, h.toResponse(userID, rec))
}

// Sync pulls the user from the billing provider, reconciles it and returns
// the resulting state.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.config.Syncer == nil {
		h.handleError(w, r, errors.New("provider sync is not configured"), http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	rec, err := h.config.Syncer.SyncUser(r.Context(), userID)
	switch {
	case errors.Is(err, billing.ErrUserNotFound):
		h.handleError(w, r, errors.New("user not found at provider"), http.StatusNotFound)
		return
	case errors.Is(err, billing.ErrProviderNotConfigured):
		h.handleError(w, r, errors.New("provider sync is not configured"), http.StatusNotImplemented)
		return
	case errors.Is(err, billing.ErrProviderAPIError):
		h.handleError(w, r, errors.New("provider unavailable"), http.StatusBadGateway)
		return
	case err != nil:
		h.config.Logger.Error("provider sync failed", subsync.F("user_id", userID), subsync.F("error", err))
		h.handleError(w, r, errors.New("sync failed"), http.StatusInternalServerError)
		return
	}

	if rec == nil {
		h.writeJSON(w, http.StatusOK, SubscriptionResponse{UserID: userID, Status: statusNone})
		return
	}
	h.writeJSON(w, http.StatusOK, h.toResponse(userID, rec))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) toResponse(userID string, rec *subsync.SubscriptionRecord) SubscriptionResponse {
	resp := SubscriptionResponse{
		UserID:           userID,
		Status:           h.status(rec),
		Entitlement:      rec.Entitlement,
		ProductID:        rec.ProductID,
		Store:            string(rec.Store),
		Environment:      string(rec.Environment),
		IsTrial:          rec.IsTrial,
		WillRenew:        rec.WillRenew,
		CurrentPeriodEnd: rec.CurrentPeriodEnd,
	}
	if !rec.UpdatedAt.IsZero() {
		updated := rec.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func (h *Handler) status(rec *subsync.SubscriptionRecord) string {
	if !rec.IsActive {
		return statusExpired
	}
	if rec.WillRenew {
		return statusActive
	}
	if rec.CurrentPeriodEnd != nil && h.config.Now().After(*rec.CurrentPeriodEnd) {
		return statusExpired
	}
	return statusCancelled
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already started
		_ = err
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
