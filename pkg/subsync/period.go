package subsync

import "time"

// PeriodEnd computes the authoritative current_period_end.
//
// Trials are recomputed locally from the offer-period code because the
// provider's own expiration is unreliable for short promotional offers.
// Paid periods trust the provider's declared expiration verbatim.
func PeriodEnd(isTrial bool, offerPeriod string, purchasedAt time.Time, declared *time.Time) *time.Time {
	if !isTrial {
		return cloneTime(declared)
	}
	if purchasedAt.IsZero() {
		return cloneTime(declared)
	}
	d, ok := trialDuration(offerPeriod)
	if !ok {
		d = defaultTrialPeriod
	}
	end := purchasedAt.Add(d).UTC()
	return &end
}
