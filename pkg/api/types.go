package api

import "time"

// SubscriptionResponse is the public view of a user's subscription state
type SubscriptionResponse struct {
	UserID           string     `json:"user_id"`
	Status           string     `json:"status"` // "active", "cancelled", "expired", "none"
	Entitlement      string     `json:"entitlement,omitempty"`
	ProductID        string     `json:"product_id,omitempty"`
	Store            string     `json:"store,omitempty"`
	Environment      string     `json:"environment,omitempty"`
	IsTrial          bool       `json:"is_trial"`
	WillRenew        bool       `json:"will_renew"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}
