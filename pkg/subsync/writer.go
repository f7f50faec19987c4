package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxWriteAttempts bounds retries after racing activations.
const DefaultMaxWriteAttempts = 3

// Writer persists computed snapshots while keeping at most one active record
// per user and one record per provider identity. Constraint violations
// reported by Storage are treated as coordination signals.
type Writer struct {
	storage     Storage
	logger      Logger
	metrics     Metrics
	maxAttempts int
}

// NewWriter creates a writer. Nil logger/metrics fall back to no-ops.
func NewWriter(storage Storage, logger Logger, metrics Metrics, maxAttempts int) *Writer {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxWriteAttempts
	}
	return &Writer{storage: storage, logger: logger, metrics: metrics, maxAttempts: maxAttempts}
}

// WriteRequest is one snapshot to persist.
type WriteRequest struct {
	// Target is the existing record to update in place, nil to upsert.
	Target *SubscriptionRecord
	// Snapshot carries the fully computed fields. Its ID is ignored.
	Snapshot *SubscriptionRecord
	// SupersedeTrials deactivates the user's active trials before writing.
	SupersedeTrials bool
	// EventAt is the provider timestamp of the event, zero when unknown.
	// A redirect onto an owner that has seen a newer event is skipped.
	EventAt time.Time
}

// Write persists req and returns the stored record. Soft outcomes
// (OutcomeDeferredMissingUser) return a nil record and a nil error.
func (w *Writer) Write(ctx context.Context, req WriteRequest) (*SubscriptionRecord, Outcome, error) {
	if req.Snapshot == nil || req.Snapshot.ProviderUserID == "" {
		return nil, OutcomeFailed, ErrInvalidEvent
	}
	if req.SupersedeTrials {
		w.supersedeTrials(ctx, req)
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		rec, outcome, err := w.writeOnce(ctx, req)
		if err == nil {
			return rec, outcome, nil
		}
		if !UniqueViolationOn(err, ColumnUserID) {
			return nil, OutcomeFailed, err
		}
		// Another writer activated a record for this user first.
		w.metrics.RecordConstraintSignal(UniqueViolation, ColumnUserID)
		w.logger.Debug("racing activation, retrying write",
			F("user_id", req.Snapshot.UserID),
			F("attempt", attempt),
		)
		lastErr = err
	}
	return nil, OutcomeFailed, fmt.Errorf("write subscription for user %s after %d attempts: %w",
		req.Snapshot.UserID, w.maxAttempts, lastErr)
}

// supersedeTrials is best-effort: a failure is logged and the main write proceeds.
func (w *Writer) supersedeTrials(ctx context.Context, req WriteRequest) {
	keep := Keep{ProviderUserID: req.Snapshot.ProviderUserID}
	if req.Target != nil {
		keep.ID = req.Target.ID
	}
	n, err := w.storage.DeactivateActiveTrials(ctx, req.Snapshot.UserID, keep)
	if err != nil {
		w.logger.Warn("failed to deactivate superseded trials",
			F("user_id", req.Snapshot.UserID),
			F("error", err.Error()),
		)
		return
	}
	if n > 0 {
		w.logger.Info("deactivated superseded trials",
			F("user_id", req.Snapshot.UserID),
			F("count", n),
		)
	}
}

func (w *Writer) writeOnce(ctx context.Context, req WriteRequest) (*SubscriptionRecord, Outcome, error) {
	if req.Target == nil {
		return w.upsert(ctx, req.Snapshot)
	}

	rec, err := w.update(ctx, req.Target, req.Snapshot)
	if err == nil {
		return rec, OutcomeUpdated, nil
	}
	if UniqueViolationOn(err, ColumnProviderUserID) {
		w.metrics.RecordConstraintSignal(UniqueViolation, ColumnProviderUserID)
		return w.redirect(ctx, req.Target, req.Snapshot, req.EventAt)
	}
	if errors.Is(err, ErrForeignKeyViolation) {
		return w.deferMissingUser(req.Snapshot)
	}
	return nil, OutcomeFailed, err
}

func (w *Writer) upsert(ctx context.Context, snap *SubscriptionRecord) (*SubscriptionRecord, Outcome, error) {
	var stored *SubscriptionRecord
	err := w.storage.InTx(ctx, func(ctx context.Context) error {
		if snap.IsActive {
			if _, err := w.storage.DeactivateOthers(ctx, snap.UserID, Keep{ProviderUserID: snap.ProviderUserID}); err != nil {
				return err
			}
		}
		rec, err := w.storage.UpsertByProviderUserID(ctx, snap)
		if err != nil {
			return err
		}
		stored = rec
		return nil
	})
	if errors.Is(err, ErrForeignKeyViolation) {
		return w.deferMissingUser(snap)
	}
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("upsert subscription: %w", err)
	}
	if stored.CreatedAt.Equal(stored.UpdatedAt) {
		return stored, OutcomeCreated, nil
	}
	return stored, OutcomeUpdated, nil
}

func (w *Writer) update(ctx context.Context, target, snap *SubscriptionRecord) (*SubscriptionRecord, error) {
	var stored *SubscriptionRecord
	err := w.storage.InTx(ctx, func(ctx context.Context) error {
		if snap.IsActive {
			if _, err := w.storage.DeactivateOthers(ctx, snap.UserID, Keep{ID: target.ID}); err != nil {
				return err
			}
		}
		rec, err := w.storage.UpdateByID(ctx, target.ID, snap)
		if err != nil {
			return err
		}
		stored = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update subscription %s: %w", target.ID, err)
	}
	return stored, nil
}

// redirect moves the write onto the record that already owns the provider id.
func (w *Writer) redirect(ctx context.Context, stale, snap *SubscriptionRecord,
	eventAt time.Time) (*SubscriptionRecord, Outcome, error) {
	owner, err := w.storage.FindByProviderUserID(ctx, snap.ProviderUserID)
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("find owner of provider id %s: %w", snap.ProviderUserID, err)
	}
	if owner.UserID != snap.UserID {
		w.logger.Error("provider identity claimed by two users",
			F("provider_user_id", snap.ProviderUserID),
			F("owner_user_id", owner.UserID),
			F("event_user_id", snap.UserID),
		)
		return nil, OutcomeFailed, fmt.Errorf("%w: %s belongs to user %s, event resolved to user %s",
			ErrIdentityConflict, snap.ProviderUserID, owner.UserID, snap.UserID)
	}
	if owner.LastEventAt != nil && !eventAt.IsZero() && eventAt.Before(*owner.LastEventAt) {
		w.logger.Info("owner record has newer state, skipping redirect",
			F("owner_record_id", owner.ID),
			F("stale_record_id", stale.ID),
		)
		return owner, OutcomeStale, nil
	}

	var stored *SubscriptionRecord
	err = w.storage.InTx(ctx, func(ctx context.Context) error {
		retired := stale.Clone()
		retired.IsActive = false
		if _, err := w.storage.UpdateByID(ctx, stale.ID, retired); err != nil {
			return err
		}
		if snap.IsActive {
			if _, err := w.storage.DeactivateOthers(ctx, snap.UserID, Keep{ID: owner.ID}); err != nil {
				return err
			}
		}
		rec, err := w.storage.UpdateByID(ctx, owner.ID, snap)
		if err != nil {
			return err
		}
		stored = rec
		return nil
	})
	if err != nil {
		return nil, OutcomeFailed, fmt.Errorf("redirect subscription %s to %s: %w", stale.ID, owner.ID, err)
	}

	w.logger.Info("redirected write to provider id owner",
		F("user_id", snap.UserID),
		F("stale_record_id", stale.ID),
		F("owner_record_id", owner.ID),
	)
	return stored, OutcomeRedirected, nil
}

func (w *Writer) deferMissingUser(snap *SubscriptionRecord) (*SubscriptionRecord, Outcome, error) {
	w.metrics.RecordConstraintSignal(ForeignKeyViolation, ColumnUserID)
	w.logger.Info("user does not exist yet, deferring to app sync",
		F("user_id", snap.UserID),
		F("provider_user_id", snap.ProviderUserID),
	)
	return nil, OutcomeDeferredMissingUser, nil
}
