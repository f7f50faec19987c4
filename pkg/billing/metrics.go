package billing

import "time"

// Metrics receives webhook and provider-sync measurements.
// Providers substitute NoopMetrics when none is configured.
type Metrics interface {
	// RecordWebhookEvent counts a delivery by raw event type.
	// status is "success", "skipped" (soft outcome) or "error".
	RecordWebhookEvent(provider, eventType, status string)
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError counts rejected or failed deliveries by reason
	// ("auth_failed", "invalid_payload", "rate_limited", "processing_error").
	RecordWebhookError(provider, errorType string)

	// RecordUserSync counts SyncUser calls by "success" or "error".
	RecordUserSync(provider, status string)
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordAPICall counts outbound REST calls; status is the HTTP code or "error".
	RecordAPICall(provider, endpoint, status string)
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
