package subsync

import (
	"context"
	"fmt"
	"time"
)

// Result reports what Process did with an event.
type Result struct {
	Outcome    Outcome
	Resolution ResolutionKind
	UserID     string
	Record     *SubscriptionRecord
}

// Message returns the explanation for skipped outcomes.
func (r Result) Message() string {
	return r.Outcome.Message()
}

// Reconciler converges subscription records from provider events.
// It holds no per-user state; every call is independent.
type Reconciler struct {
	storage  Storage
	resolver *Resolver
	writer   *Writer
	config   Config
}

// NewReconciler creates a reconciler over storage.
func NewReconciler(storage Storage, config Config) (*Reconciler, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.applyDefaults()

	return &Reconciler{
		storage:  storage,
		resolver: NewResolver(storage, config.Logger),
		writer:   NewWriter(storage, config.Logger, config.Metrics, config.MaxWriteAttempts),
		config:   config,
	}, nil
}

// Process applies one event. A nil error with a skipped outcome means the
// event was intentionally not written and must not be redelivered.
func (r *Reconciler) Process(ctx context.Context, ev *Event) (Result, error) {
	if ev == nil || ev.AppUserID == "" {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("%w: missing app user id", ErrInvalidEvent)
	}

	res, err := r.process(ctx, ev)
	if err != nil {
		r.config.Metrics.RecordOutcome(ev.Type, OutcomeFailed)
		r.config.Logger.Error("failed to reconcile event",
			F("event_id", ev.ID),
			F("event_type", string(ev.Type)),
			F("provider_user_id", ev.AppUserID),
			F("error", err.Error()),
		)
		return res, err
	}
	r.config.Metrics.RecordOutcome(ev.Type, res.Outcome)
	return res, nil
}

func (r *Reconciler) process(ctx context.Context, ev *Event) (Result, error) {
	if ev.Type == EventTest {
		r.config.Logger.Info("test event received", F("event_id", ev.ID))
		return Result{Outcome: OutcomeIgnored}, nil
	}

	if r.seen(ctx, ev) {
		return Result{Outcome: OutcomeDuplicate}, nil
	}

	resolution := r.resolver.Resolve(ctx, ev.AppUserID, ev.OriginalAppUserID)
	r.config.Metrics.RecordResolution(resolution.Kind)
	result := Result{Resolution: resolution.Kind, UserID: resolution.UserID}

	if resolution.Kind == ResolutionDeferred {
		r.config.Logger.Info("identity not resolvable yet, deferring",
			F("event_id", ev.ID),
			F("provider_user_id", ev.AppUserID),
		)
		result.Outcome = OutcomeDeferredIdentity
		return result, nil
	}

	prior := resolution.Record
	transition := Classify(ev.Type)
	if !transition.Changes {
		r.config.Logger.Warn("unrecognized event type",
			F("event_id", ev.ID),
			F("event_type", ev.RawType),
		)
		if prior == nil {
			result.Outcome = OutcomeIgnored
			return result, nil
		}
	}

	if isStale(prior, ev) {
		r.config.Logger.Info("event older than current state, skipping",
			F("event_id", ev.ID),
			F("record_id", prior.ID),
		)
		result.Outcome = OutcomeStale
		return result, nil
	}

	snap := r.buildSnapshot(ev, resolution.UserID, prior, transition)
	stored, outcome, err := r.writer.Write(ctx, WriteRequest{
		Target:          prior,
		Snapshot:        snap,
		EventAt:         ev.Timestamp,
		SupersedeTrials: ev.Type == EventInitialPurchase && !snap.IsTrial,
	})
	if err != nil {
		return Result{Outcome: OutcomeFailed, Resolution: resolution.Kind, UserID: resolution.UserID}, err
	}
	result.Outcome = outcome
	result.Record = stored
	if outcome.Skipped() {
		return result, nil
	}

	if r.config.OnChange != nil {
		change := Change{Event: ev, Outcome: outcome, Previous: prior.Clone(), Current: stored.Clone()}
		if err := r.config.OnChange(ctx, change); err != nil {
			return result, fmt.Errorf("change callback: %w", err)
		}
	}

	r.mark(ctx, ev)
	return result, nil
}

// isStale guards against redelivered out-of-order events rolling state back.
// Events with equal timestamps are re-applied; that is idempotent.
func isStale(prior *SubscriptionRecord, ev *Event) bool {
	if prior == nil || prior.LastEventAt == nil || ev.Timestamp.IsZero() {
		return false
	}
	return ev.Timestamp.Before(*prior.LastEventAt)
}

func (r *Reconciler) buildSnapshot(ev *Event, userID string, prior *SubscriptionRecord,
	transition Transition) *SubscriptionRecord {
	isActive, willRenew := transition.Apply(prior)
	// Unrecognized events keep the prior trial flag and period end as stored.
	keepPeriod := !transition.Changes && prior != nil
	isTrial := DetectTrial(ev)
	var periodEnd *time.Time
	if keepPeriod {
		isTrial = prior.IsTrial
		periodEnd = cloneTime(prior.CurrentPeriodEnd)
	} else {
		periodEnd = PeriodEnd(isTrial, ev.OfferPeriod, ev.purchaseTime(), ev.ExpirationAt)
	}

	snap := &SubscriptionRecord{
		UserID:                 userID,
		ProviderUserID:         ev.AppUserID,
		ProviderOriginalUserID: ev.OriginalAppUserID,
		Entitlement:            ev.Entitlement(),
		ProductID:              ev.ProductID,
		Store:                  ev.Store,
		Environment:            ev.Environment,
		IsActive:               isActive,
		IsTrial:                isTrial,
		WillRenew:              willRenew,
		CurrentPeriodEnd:       periodEnd,
		RawEventSnapshot:       ev.Raw,
		LastEventType:          ev.Type,
	}

	purchased := ev.purchaseTime()
	if !purchased.IsZero() {
		p := purchased.UTC()
		snap.OriginalPurchaseAt = &p
	}
	// LastEventAt stays on the provider clock; untimed events leave it as it was.
	if !ev.Timestamp.IsZero() {
		at := ev.Timestamp.UTC()
		snap.LastEventAt = &at
	} else if prior != nil {
		snap.LastEventAt = cloneTime(prior.LastEventAt)
	}

	if prior != nil {
		if snap.ProviderOriginalUserID == "" {
			snap.ProviderOriginalUserID = prior.ProviderOriginalUserID
		}
		if snap.Entitlement == "" {
			snap.Entitlement = prior.Entitlement
		}
		if snap.ProductID == "" {
			snap.ProductID = prior.ProductID
		}
		if snap.Store == "" {
			snap.Store = prior.Store
		}
		if snap.Environment == "" {
			snap.Environment = prior.Environment
		}
		if snap.CurrentPeriodEnd == nil {
			snap.CurrentPeriodEnd = cloneTime(prior.CurrentPeriodEnd)
		}
		if prior.OriginalPurchaseAt != nil {
			snap.OriginalPurchaseAt = cloneTime(prior.OriginalPurchaseAt)
		}
	}
	if snap.ProviderOriginalUserID == "" {
		snap.ProviderOriginalUserID = ev.AppUserID
	}
	if snap.Store == "" {
		snap.Store = StoreStripe
	}
	if snap.Environment == "" {
		snap.Environment = EnvironmentProduction
	}
	return snap
}

func (r *Reconciler) seen(ctx context.Context, ev *Event) bool {
	if r.config.Ledger == nil || ev.ID == "" {
		return false
	}
	ok, err := r.config.Ledger.Seen(ctx, ev.ID)
	if err != nil {
		r.config.Logger.Warn("event ledger unavailable", F("event_id", ev.ID), F("error", err.Error()))
		return false
	}
	return ok
}

func (r *Reconciler) mark(ctx context.Context, ev *Event) {
	if r.config.Ledger == nil || ev.ID == "" {
		return
	}
	if err := r.config.Ledger.Mark(ctx, ev.ID, r.config.LedgerTTL); err != nil {
		r.config.Logger.Warn("failed to mark event processed", F("event_id", ev.ID), F("error", err.Error()))
	}
}

// Storage returns the underlying storage, for read paths such as entitlement gates.
func (r *Reconciler) Storage() Storage {
	return r.storage
}
