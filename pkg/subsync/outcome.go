package subsync

// Outcome is the terminal state of processing one event.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeRedirected Outcome = "redirected"

	// Soft outcomes. The provider is told "success" so it stops redelivering.
	OutcomeDeferredIdentity    Outcome = "deferred_identity"
	OutcomeDeferredMissingUser Outcome = "deferred_missing_user"
	OutcomeIgnored             Outcome = "ignored"
	OutcomeDuplicate           Outcome = "duplicate"
	OutcomeStale               Outcome = "stale"

	// OutcomeFailed is only reported to metrics; callers receive an error.
	OutcomeFailed Outcome = "failed"
)

// Skipped reports whether nothing was written.
func (o Outcome) Skipped() bool {
	switch o {
	case OutcomeCreated, OutcomeUpdated, OutcomeRedirected, OutcomeFailed:
		return false
	default:
		return true
	}
}

// Message is a short human explanation for skipped outcomes.
func (o Outcome) Message() string {
	switch o {
	case OutcomeDeferredIdentity:
		return "user not linked yet; will be resolved on next app sync"
	case OutcomeDeferredMissingUser:
		return "user does not exist yet; will be resolved on next app sync"
	case OutcomeIgnored:
		return "event ignored"
	case OutcomeDuplicate:
		return "event already processed"
	case OutcomeStale:
		return "event older than current state"
	default:
		return ""
	}
}
