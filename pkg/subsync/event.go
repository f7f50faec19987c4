package subsync

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType is the closed set of subscription lifecycle events.
type EventType string

const (
	EventInitialPurchase     EventType = "initial_purchase"
	EventRenewal             EventType = "renewal"
	EventProductChange       EventType = "product_change"
	EventCancellation        EventType = "cancellation"
	EventExpiration          EventType = "expiration"
	EventBillingIssue        EventType = "billing_issue"
	EventBillingRetry        EventType = "billing_retry"
	EventSubscriptionPaused  EventType = "subscription_paused"
	EventSubscriptionResumed EventType = "subscription_resumed"
	// EventTest is sent by the provider dashboard to check connectivity
	EventTest EventType = "test"
	// EventUnknown is any type outside the enumeration
	EventUnknown EventType = "unknown"
)

var knownEventTypes = map[EventType]struct{}{
	EventInitialPurchase:     {},
	EventRenewal:             {},
	EventProductChange:       {},
	EventCancellation:        {},
	EventExpiration:          {},
	EventBillingIssue:        {},
	EventBillingRetry:        {},
	EventSubscriptionPaused:  {},
	EventSubscriptionResumed: {},
	EventTest:                {},
}

// ParseEventType normalizes a provider event name ("RENEWAL", "renewal").
// Unrecognized names map to EventUnknown.
func ParseEventType(raw string) EventType {
	t := EventType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownEventTypes[t]; ok {
		return t
	}
	return EventUnknown
}

// Event is a provider-neutral subscription lifecycle event.
type Event struct {
	ID      string
	Type    EventType
	RawType string

	AppUserID         string
	OriginalAppUserID string

	ProductID      string
	EntitlementIDs []string

	PurchasedAt  time.Time
	ExpirationAt *time.Time
	Timestamp    time.Time

	Environment Environment
	Store       Store

	// Trial signals. Price is nil when the provider omitted it.
	Price             *float64
	IsTrialPeriod     bool
	PeriodType        string
	OfferDiscountType string
	OfferPeriod       string

	// Raw is the original payload, retained for audit only.
	Raw json.RawMessage
}

// Entitlement returns the first entitlement identifier carried by the event.
func (e *Event) Entitlement() string {
	for _, id := range e.EntitlementIDs {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

// purchaseTime is the anchor used for trial math.
func (e *Event) purchaseTime() time.Time {
	if !e.PurchasedAt.IsZero() {
		return e.PurchasedAt
	}
	return e.Timestamp
}
