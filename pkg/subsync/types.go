package subsync

import (
	"encoding/json"
	"strings"
	"time"
)

// Store identifies the storefront a purchase was made through.
type Store string

const (
	// StoreAppStore is Apple's App Store (iOS and macOS)
	StoreAppStore Store = "app_store"
	// StorePlayStore is Google Play
	StorePlayStore Store = "play_store"
	// StoreStripe covers web checkout
	StoreStripe Store = "stripe"
)

// ParseStore maps a provider store name onto the closed Store set.
// Anything that is not a mobile store is treated as web checkout.
func ParseStore(raw string) Store {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APP_STORE", "MAC_APP_STORE":
		return StoreAppStore
	case "PLAY_STORE":
		return StorePlayStore
	default:
		return StoreStripe
	}
}

// Environment is the provider environment an event was produced in.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// ParseEnvironment defaults to production unless the provider says sandbox.
func ParseEnvironment(raw string) Environment {
	if strings.EqualFold(strings.TrimSpace(raw), "sandbox") {
		return EnvironmentSandbox
	}
	return EnvironmentProduction
}

// SubscriptionRecord is the durable "current billing relationship" of a user.
// Records are never deleted; expiration flips IsActive to false.
type SubscriptionRecord struct {
	ID                     string
	UserID                 string
	ProviderUserID         string
	ProviderOriginalUserID string
	Entitlement            string
	ProductID              string
	Store                  Store
	Environment            Environment

	// IsActive, IsTrial and WillRenew are always concrete values.
	IsActive  bool
	IsTrial   bool
	WillRenew bool

	CurrentPeriodEnd   *time.Time
	OriginalPurchaseAt *time.Time
	RawEventSnapshot   json.RawMessage

	// LastEventAt is the provider timestamp of the newest event applied.
	LastEventAt   *time.Time
	LastEventType EventType

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record.
func (r *SubscriptionRecord) Clone() *SubscriptionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.CurrentPeriodEnd = cloneTime(r.CurrentPeriodEnd)
	c.OriginalPurchaseAt = cloneTime(r.OriginalPurchaseAt)
	c.LastEventAt = cloneTime(r.LastEventAt)
	if r.RawEventSnapshot != nil {
		c.RawEventSnapshot = append(json.RawMessage(nil), r.RawEventSnapshot...)
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Keep identifies the record(s) a bulk deactivation must leave untouched.
// A row matching either non-empty field is kept.
type Keep struct {
	ID             string
	ProviderUserID string
}

// Matches reports whether rec is protected by k.
func (k Keep) Matches(rec *SubscriptionRecord) bool {
	if rec == nil {
		return false
	}
	if k.ID != "" && rec.ID == k.ID {
		return true
	}
	return k.ProviderUserID != "" && rec.ProviderUserID == k.ProviderUserID
}
