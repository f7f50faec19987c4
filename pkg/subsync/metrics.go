package subsync

import "time"

// Metrics defines the interface for tracking reconciliation outcomes and store health.
type Metrics interface {
	// RecordOutcome records the final outcome of one processed event.
	RecordOutcome(eventType EventType, outcome Outcome)

	// RecordResolution records which identity-resolution tier was taken.
	RecordResolution(kind ResolutionKind)

	// RecordConstraintSignal records a constraint violation the writer reacted to.
	// column is the offending column ("provider_user_id", "user_id").
	RecordConstraintSignal(kind ConstraintKind, column string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordOutcome(_ EventType, _ Outcome)                      {}
func (n *NoopMetrics) RecordResolution(_ ResolutionKind)                         {}
func (n *NoopMetrics) RecordConstraintSignal(_ ConstraintKind, _ string)         {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
