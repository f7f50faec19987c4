package subsync

import (
	"context"
	"time"
)

// Storage defines the record-store port the reconciler writes through.
// Implementations must surface constraint rejections as *ConstraintError.
type Storage interface {
	// FindLatestByProviderID returns the most recently created record whose
	// provider_user_id or provider_original_user_id equals providerID.
	// Returns ErrRecordNotFound when nothing matches.
	FindLatestByProviderID(ctx context.Context, providerID string) (*SubscriptionRecord, error)

	// FindLatestByUserID returns the most recently created record owned by userID.
	FindLatestByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error)

	// FindByProviderUserID returns the record that owns providerUserID (exact match).
	FindByProviderUserID(ctx context.Context, providerUserID string) (*SubscriptionRecord, error)

	// FindActiveByUserID returns the user's active record, if any.
	FindActiveByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error)

	// UpsertByProviderUserID inserts rec, or updates the row that already owns
	// rec.ProviderUserID. Returns the stored row.
	UpsertByProviderUserID(ctx context.Context, rec *SubscriptionRecord) (*SubscriptionRecord, error)

	// UpdateByID overwrites the mutable fields of the row with the given id
	// and returns the stored row. Returns ErrRecordNotFound for an unknown id.
	UpdateByID(ctx context.Context, id string, rec *SubscriptionRecord) (*SubscriptionRecord, error)

	// DeactivateOthers sets is_active=false on every active row of userID
	// not matched by keep. Returns the number of rows changed.
	DeactivateOthers(ctx context.Context, userID string, keep Keep) (int64, error)

	// DeactivateActiveTrials sets is_active=false on every active trial row of
	// userID not matched by keep.
	DeactivateActiveTrials(ctx context.Context, userID string, keep Keep) (int64, error)

	// InTx runs fn atomically. Calls made with the ctx passed to fn join the
	// transaction; fn returning an error rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventLedger remembers provider event ids that were fully processed.
// It is an optimization only: replaying an event is always safe.
type EventLedger interface {
	// Seen reports whether eventID was marked processed.
	Seen(ctx context.Context, eventID string) (bool, error)

	// Mark records eventID as processed for ttl.
	Mark(ctx context.Context, eventID string, ttl time.Duration) error
}
