package subsync

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotEntitled is returned when the user has no active record granting access.
var ErrNotEntitled = errors.New("no active subscription grants the entitlement")

// ActiveLookup finds a user's active record. Storage satisfies it.
type ActiveLookup interface {
	FindActiveByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error)
}

// Entitled returns the user's active record if it grants entitlement at time
// at. An empty entitlement accepts any active record. A cancelled record whose
// period has ended is refused even if its expiration event never arrived.
func Entitled(ctx context.Context, lookup ActiveLookup, userID, entitlement string,
	at time.Time) (*SubscriptionRecord, error) {
	rec, err := lookup.FindActiveByUserID(ctx, userID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, ErrNotEntitled
	}
	if err != nil {
		return nil, err
	}
	if entitlement != "" && !strings.EqualFold(rec.Entitlement, entitlement) {
		return nil, ErrNotEntitled
	}
	if !rec.WillRenew && rec.CurrentPeriodEnd != nil && !at.IsZero() && at.After(*rec.CurrentPeriodEnd) {
		return nil, ErrNotEntitled
	}
	return rec, nil
}
