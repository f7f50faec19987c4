package revenuecat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// webhookPayload represents the RevenueCat webhook payload structure.
// Fields not listed here are kept only in the raw snapshot.
type webhookPayload struct {
	APIVersion string       `json:"api_version"`
	Event      webhookEvent `json:"event"`
}

type webhookEvent struct {
	ID                string   `json:"id"`
	Type              string   `json:"type" validate:"required"`
	AppUserID         string   `json:"app_user_id" validate:"required"`
	OriginalAppUserID string   `json:"original_app_user_id"`
	ProductID         string   `json:"product_id"`
	EntitlementID     string   `json:"entitlement_id"`
	EntitlementIDs    []string `json:"entitlement_ids"`
	PurchasedAtMs     int64    `json:"purchased_at_ms"`
	PurchaseDateMs    int64    `json:"purchase_date_ms"`
	ExpirationAtMs    int64    `json:"expiration_at_ms"`
	EventTimestampMs  int64    `json:"event_timestamp_ms"`
	TimestampMs       int64    `json:"timestamp_ms"`
	Environment       string   `json:"environment"`
	Store             string   `json:"store"`
	Price             *float64 `json:"price"`
	IsTrialPeriod     bool     `json:"is_trial_period"`
	PeriodType        string   `json:"period_type"`
	OfferDiscountType string   `json:"offer_discount_type"`
	OfferPeriod       string   `json:"offer_period"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// handleWebhook processes incoming RevenueCat webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
		_ = internal.WriteJSON(w, http.StatusOK, healthResponse{
			Message:   "revenuecat webhook endpoint is live",
			Timestamp: p.now().UTC().Format(time.RFC3339),
		})
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	startTime := time.Now()

	if len(p.webhookSecret) == 0 {
		_ = internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	switch {
	case errors.Is(err, internal.ErrPayloadTooLarge):
		p.metrics.RecordWebhookError(providerName, "payload_too_large")
		_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	case err != nil && !errors.Is(err, internal.ErrEmptyBody):
		p.metrics.RecordWebhookError(providerName, "read_failed")
		_ = internal.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := p.authenticate(r, body); err != nil {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("webhook authentication failed",
			subsync.F("remote_ip", internal.GetClientIP(r)),
			subsync.F("error", err.Error()),
		)
		_ = internal.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ev, err := p.parseEvent(body)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			p.logger.Warn("webhook payload failed validation", subsync.F("error", err.Error()))
			_ = internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			return
		}
		p.logger.Error("failed to parse webhook payload", subsync.F("error", err.Error()))
		_ = internal.WriteError(w, http.StatusInternalServerError, "invalid payload")
		return
	}

	eventType := ev.RawType
	res, err := p.reconciler.Process(r.Context(), ev)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		_ = internal.WriteError(w, http.StatusInternalServerError, "failed to process webhook")
		return
	}

	if res.Outcome.Skipped() {
		p.metrics.RecordWebhookEvent(providerName, eventType, "skipped")
		_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Success: true, Skipped: true, Message: res.Message()})
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Success: true})
}

// parseEvent decodes and validates the payload. Validation failures are
// returned as validator.ValidationErrors.
func (p *Provider) parseEvent(body []byte) (*subsync.Event, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", billing.ErrInvalidWebhookPayload)
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if err := p.validate.Struct(&payload); err != nil {
		return nil, err
	}
	return payload.Event.toEvent(body), nil
}

func (e *webhookEvent) toEvent(raw []byte) *subsync.Event {
	ev := &subsync.Event{
		ID:                strings.TrimSpace(e.ID),
		Type:              subsync.ParseEventType(e.Type),
		RawType:           strings.TrimSpace(e.Type),
		AppUserID:         strings.TrimSpace(e.AppUserID),
		OriginalAppUserID: strings.TrimSpace(e.OriginalAppUserID),
		ProductID:         strings.TrimSpace(e.ProductID),
		EntitlementIDs:    e.entitlementIDs(),
		PurchasedAt:       parseEventTimestamp(e.purchaseTimestamp()),
		Timestamp:         parseEventTimestamp(e.eventTimestamp()),
		Environment:       subsync.ParseEnvironment(e.Environment),
		Store:             subsync.ParseStore(e.Store),
		Price:             e.Price,
		IsTrialPeriod:     e.IsTrialPeriod,
		PeriodType:        e.PeriodType,
		OfferDiscountType: e.OfferDiscountType,
		OfferPeriod:       e.OfferPeriod,
		Raw:               json.RawMessage(raw),
	}
	if e.ExpirationAtMs > 0 {
		exp := parseEventTimestamp(e.ExpirationAtMs)
		ev.ExpirationAt = &exp
	}
	return ev
}

func (e *webhookEvent) entitlementIDs() []string {
	if len(e.EntitlementIDs) > 0 {
		return e.EntitlementIDs
	}
	if id := strings.TrimSpace(e.EntitlementID); id != "" {
		return []string{id}
	}
	return nil
}

// Supports both purchased_at_ms and purchase_date_ms field names
func (e *webhookEvent) purchaseTimestamp() int64 {
	if e.PurchasedAtMs > 0 {
		return e.PurchasedAtMs
	}
	return e.PurchaseDateMs
}

func (e *webhookEvent) eventTimestamp() int64 {
	if e.EventTimestampMs > 0 {
		return e.EventTimestampMs
	}
	return e.TimestampMs
}

// parseEventTimestamp converts a millisecond timestamp to time.Time
func parseEventTimestamp(timestampMs int64) time.Time {
	if timestampMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(timestampMs).UTC()
}
