package revenuecat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const subscribersEndpoint = "/subscribers/{id}"

// subscriberResponse represents the RevenueCat API subscriber response
type subscriberResponse struct {
	Subscriber subscriber `json:"subscriber"`
}

type subscriber struct {
	OriginalAppUserID string                            `json:"original_app_user_id"`
	Entitlements      map[string]subscriberEntitlement  `json:"entitlements"`
	Subscriptions     map[string]subscriberSubscription `json:"subscriptions"`
}

type subscriberEntitlement struct {
	ExpiresDate       *string `json:"expires_date"`
	ProductIdentifier string  `json:"product_identifier"`
	PurchaseDate      *string `json:"purchase_date"`
}

type subscriberSubscription struct {
	PeriodType              string  `json:"period_type"`
	Store                   string  `json:"store"`
	IsSandbox               bool    `json:"is_sandbox"`
	UnsubscribeDetectedAt   *string `json:"unsubscribe_detected_at"`
	BillingIssuesDetectedAt *string `json:"billing_issues_detected_at"`
}

// syncUserFromAPI fetches the subscriber and feeds the best entitlement
// through the reconciler as a synthesized event.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", subsync.ErrInvalidEvent)
	}
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: API key not configured", billing.ErrProviderNotConfigured)
	}

	body, err := p.fetchSubscriber(ctx, userID)
	if err != nil {
		return nil, err
	}

	var payload subscriberResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	ev := p.eventFromSubscriber(userID, &payload.Subscriber, body)
	if ev == nil {
		p.logger.Info("subscriber has no entitlements", subsync.F("user_id", userID))
		return p.activeRecord(ctx, userID)
	}

	res, err := p.reconciler.Process(ctx, ev)
	if err != nil {
		return nil, err
	}
	p.logger.Info("user synced",
		subsync.F("user_id", userID),
		subsync.F("outcome", string(res.Outcome)),
	)

	owner := res.UserID
	if owner == "" {
		owner = userID
	}
	return p.activeRecord(ctx, owner)
}

func (p *Provider) fetchSubscriber(ctx context.Context, userID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/subscribers/%s", p.apiBaseURL, url.PathEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := p.httpClient.Do(req)
	p.metrics.RecordAPICallDuration(providerName, subscribersEndpoint, time.Since(start))
	if err != nil {
		p.metrics.RecordAPICall(providerName, subscribersEndpoint, "error")
		return nil, fmt.Errorf("failed to fetch subscriber: %w", err)
	}
	defer res.Body.Close()
	p.metrics.RecordAPICall(providerName, subscribersEndpoint, strconv.Itoa(res.StatusCode))

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return nil, billing.ErrUserNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", billing.ErrProviderAPIError, res.StatusCode)
	}
	return body, nil
}

// eventFromSubscriber picks the entitlement that lasts longest (lifetime
// first) and describes its state as a lifecycle event. Returns nil when the
// subscriber has no entitlements.
func (p *Provider) eventFromSubscriber(userID string, sub *subscriber, raw []byte) *subsync.Event {
	if len(sub.Entitlements) == 0 {
		return nil
	}

	ids := make([]string, 0, len(sub.Entitlements))
	for id := range sub.Entitlements {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		bestID  string
		bestEnt subscriberEntitlement
		bestExp *time.Time
	)
	for _, id := range ids {
		ent := sub.Entitlements[id]
		exp := parseOptionalTime(ent.ExpiresDate)
		if bestID == "" || outlasts(exp, bestExp) {
			bestID, bestEnt, bestExp = id, ent, exp
		}
	}

	now := p.now().UTC()
	ev := &subsync.Event{
		AppUserID:         userID,
		OriginalAppUserID: strings.TrimSpace(sub.OriginalAppUserID),
		ProductID:         strings.TrimSpace(bestEnt.ProductIdentifier),
		EntitlementIDs:    []string{bestID},
		ExpirationAt:      bestExp,
		Timestamp:         now,
		Raw:               json.RawMessage(raw),
	}
	if purchased := parseOptionalTime(bestEnt.PurchaseDate); purchased != nil {
		ev.PurchasedAt = *purchased
	}

	details, hasDetails := sub.Subscriptions[ev.ProductID]
	if hasDetails {
		ev.Store = subsync.ParseStore(details.Store)
		ev.PeriodType = details.PeriodType
		ev.Environment = subsync.EnvironmentProduction
		if details.IsSandbox {
			ev.Environment = subsync.EnvironmentSandbox
		}
	}

	switch {
	case bestExp != nil && !bestExp.After(now):
		ev.Type = subsync.EventExpiration
	case hasDetails && details.BillingIssuesDetectedAt != nil:
		ev.Type = subsync.EventBillingIssue
	case hasDetails && details.UnsubscribeDetectedAt != nil:
		ev.Type = subsync.EventCancellation
	default:
		ev.Type = subsync.EventRenewal
	}
	ev.RawType = strings.ToUpper(string(ev.Type))
	return ev
}

func (p *Provider) activeRecord(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error) {
	rec, err := p.reconciler.Storage().FindActiveByUserID(ctx, userID)
	if errors.Is(err, subsync.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// outlasts reports whether expiry a ends after b. A nil expiry never ends.
func outlasts(a, b *time.Time) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	return a.After(*b)
}

func parseOptionalTime(value *string) *time.Time {
	if value == nil {
		return nil
	}
	t, err := parseRevenueCatTime(*value)
	if err != nil {
		return nil
	}
	return &t
}

// parseRevenueCatTime parses a RevenueCat timestamp string
func parseRevenueCatTime(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}

	// Try RFC3339Nano first (RevenueCat often uses this)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %s", v)
}
