package subsync

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned when the storage circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
	// Timeout is how long the circuit stays open before probing again
	Timeout time.Duration
	// MaxRequests allowed through while half-open
	MaxRequests uint32
	// Interval clears the failure counts while closed (0 never clears)
	Interval time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker
// protection. Constraint violations and not-found results are normal
// answers from a healthy store and never trip the breaker.
type CircuitBreakerStorage struct {
	storage Storage
	cb      *gobreaker.CircuitBreaker[any]
	metrics Metrics
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cfg CircuitBreakerConfig, metrics Metrics) *CircuitBreakerStorage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	settings := gobreaker.Settings{
		Name:        "subsync-storage",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			metrics.RecordCircuitBreakerStateChange(to.String())
		},
		IsSuccessful: isHealthyStoreAnswer,
	}
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      gobreaker.NewCircuitBreaker[any](settings),
		metrics: metrics,
	}
}

func isHealthyStoreAnswer(err error) bool {
	if err == nil {
		return true
	}
	var ce *ConstraintError
	return errors.As(err, &ce) || errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, context.Canceled)
}

// State returns the breaker state ("closed", "half-open", "open").
func (s *CircuitBreakerStorage) State() string {
	return s.cb.State().String()
}

func execute[T any](s *CircuitBreakerStorage, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := s.cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrCircuitOpen
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	v, _ := out.(T)
	return v, err
}

func (s *CircuitBreakerStorage) FindLatestByProviderID(ctx context.Context, providerID string) (*SubscriptionRecord, error) {
	return execute(s, "find_latest_by_provider_id", func() (*SubscriptionRecord, error) {
		return s.storage.FindLatestByProviderID(ctx, providerID)
	})
}

func (s *CircuitBreakerStorage) FindLatestByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	return execute(s, "find_latest_by_user_id", func() (*SubscriptionRecord, error) {
		return s.storage.FindLatestByUserID(ctx, userID)
	})
}

func (s *CircuitBreakerStorage) FindByProviderUserID(ctx context.Context, providerUserID string) (*SubscriptionRecord, error) {
	return execute(s, "find_by_provider_user_id", func() (*SubscriptionRecord, error) {
		return s.storage.FindByProviderUserID(ctx, providerUserID)
	})
}

func (s *CircuitBreakerStorage) FindActiveByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error) {
	return execute(s, "find_active_by_user_id", func() (*SubscriptionRecord, error) {
		return s.storage.FindActiveByUserID(ctx, userID)
	})
}

func (s *CircuitBreakerStorage) UpsertByProviderUserID(ctx context.Context,
	rec *SubscriptionRecord) (*SubscriptionRecord, error) {
	return execute(s, "upsert_by_provider_user_id", func() (*SubscriptionRecord, error) {
		return s.storage.UpsertByProviderUserID(ctx, rec)
	})
}

func (s *CircuitBreakerStorage) UpdateByID(ctx context.Context, id string,
	rec *SubscriptionRecord) (*SubscriptionRecord, error) {
	return execute(s, "update_by_id", func() (*SubscriptionRecord, error) {
		return s.storage.UpdateByID(ctx, id, rec)
	})
}

func (s *CircuitBreakerStorage) DeactivateOthers(ctx context.Context, userID string, keep Keep) (int64, error) {
	return execute(s, "deactivate_others", func() (int64, error) {
		return s.storage.DeactivateOthers(ctx, userID, keep)
	})
}

func (s *CircuitBreakerStorage) DeactivateActiveTrials(ctx context.Context, userID string, keep Keep) (int64, error) {
	return execute(s, "deactivate_active_trials", func() (int64, error) {
		return s.storage.DeactivateActiveTrials(ctx, userID, keep)
	})
}

// InTx is guarded as a whole; the statements inside run through the
// breaker as well since fn calls back into this wrapper.
func (s *CircuitBreakerStorage) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.cb.State() == gobreaker.StateOpen {
		s.metrics.RecordStorageOperation("transaction", 0, ErrCircuitOpen)
		return ErrCircuitOpen
	}
	return s.storage.InTx(ctx, fn)
}
