package subsync

import (
	"strings"
	"time"
)

// Transition is the classifier's verdict for one event type.
// When Changes is false the event leaves IsActive/WillRenew untouched.
type Transition struct {
	IsActive  bool
	WillRenew bool
	Changes   bool
}

var transitions = map[EventType]Transition{
	EventInitialPurchase:     {IsActive: true, WillRenew: true, Changes: true},
	EventRenewal:             {IsActive: true, WillRenew: true, Changes: true},
	EventProductChange:       {IsActive: true, WillRenew: true, Changes: true},
	EventCancellation:        {IsActive: true, WillRenew: false, Changes: true}, // active until period end
	EventExpiration:          {IsActive: false, WillRenew: false, Changes: true},
	EventBillingIssue:        {IsActive: true, WillRenew: true, Changes: true},
	EventBillingRetry:        {IsActive: true, WillRenew: true, Changes: true},
	EventSubscriptionPaused:  {IsActive: false, WillRenew: false, Changes: true},
	EventSubscriptionResumed: {IsActive: true, WillRenew: true, Changes: true},
}

// Classify maps an event type to its target status. Deterministic, no I/O.
func Classify(t EventType) Transition {
	return transitions[t]
}

// Apply resolves the transition against the prior record, always yielding
// concrete booleans. A no-change transition with no prior record yields false.
func (t Transition) Apply(prior *SubscriptionRecord) (isActive, willRenew bool) {
	if t.Changes {
		return t.IsActive, t.WillRenew
	}
	if prior == nil {
		return false, false
	}
	return prior.IsActive, prior.WillRenew
}

const discountFreeTrial = "free_trial"

// trialOfferPeriods are the offer-period codes known to denote a trial.
var trialOfferPeriods = map[string]time.Duration{
	"P3D": 3 * 24 * time.Hour,
	"P7D": 7 * 24 * time.Hour,
	"P1W": 7 * 24 * time.Hour,
}

// defaultTrialPeriod applies when a trial carries an unrecognized offer code.
const defaultTrialPeriod = 3 * 24 * time.Hour

func trialDuration(offerPeriod string) (time.Duration, bool) {
	d, ok := trialOfferPeriods[strings.ToUpper(strings.TrimSpace(offerPeriod))]
	return d, ok
}

// DetectTrial is true when any independent trial signal fires. The provider
// does not populate the same field consistently across event types.
func DetectTrial(ev *Event) bool {
	if ev == nil {
		return false
	}
	if ev.IsTrialPeriod || strings.EqualFold(strings.TrimSpace(ev.PeriodType), "trial") {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(ev.OfferDiscountType), discountFreeTrial) {
		return true
	}
	if _, ok := trialDuration(ev.OfferPeriod); ok {
		return true
	}
	return ev.Price != nil && *ev.Price == 0
}
