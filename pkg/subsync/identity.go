package subsync

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ResolutionKind tags the outcome of identity resolution.
type ResolutionKind int

const (
	// ResolutionDeferred means no safe mapping exists yet; nothing is written.
	ResolutionDeferred ResolutionKind = iota
	// ResolutionResolved means an existing record links the event to a user.
	ResolutionResolved
	// ResolutionCandidate means the provider id looks like a user id that has
	// no record yet. The user store's foreign key has the final say.
	ResolutionCandidate
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolutionResolved:
		return "resolved"
	case ResolutionCandidate:
		return "candidate_unauthenticated"
	default:
		return "deferred"
	}
}

// Resolution is the closed result of resolving a provider identity.
// Record is set only for ResolutionResolved.
type Resolution struct {
	Kind   ResolutionKind
	UserID string
	Record *SubscriptionRecord
}

// IdentityLookup is the read side of Storage used by the Resolver.
type IdentityLookup interface {
	FindLatestByProviderID(ctx context.Context, providerID string) (*SubscriptionRecord, error)
	FindLatestByUserID(ctx context.Context, userID string) (*SubscriptionRecord, error)
}

// IsUserID reports whether id has the format of an internal user id
// (canonical hyphenated UUID).
func IsUserID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// identityFacts holds everything the decision needs, gathered up front.
type identityFacts struct {
	byProvider      *SubscriptionRecord
	candidateUserID string
	byCandidate     *SubscriptionRecord
}

// decideIdentity is the pure three-tier decision.
func decideIdentity(f identityFacts) Resolution {
	if f.byProvider != nil {
		return Resolution{Kind: ResolutionResolved, UserID: f.byProvider.UserID, Record: f.byProvider}
	}
	if f.candidateUserID == "" {
		return Resolution{Kind: ResolutionDeferred}
	}
	if f.byCandidate != nil {
		return Resolution{Kind: ResolutionResolved, UserID: f.byCandidate.UserID, Record: f.byCandidate}
	}
	return Resolution{Kind: ResolutionCandidate, UserID: f.candidateUserID}
}

// Resolver maps provider identities to internal users.
type Resolver struct {
	lookup IdentityLookup
	logger Logger
}

// NewResolver creates a resolver over lookup. A nil logger disables logging.
func NewResolver(lookup IdentityLookup, logger Logger) *Resolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Resolver{lookup: lookup, logger: logger}
}

// Resolve never fails: lookup errors degrade to ResolutionDeferred so that the
// next client sync can repair the link.
func (r *Resolver) Resolve(ctx context.Context, providerUserID, originalUserID string) Resolution {
	facts, err := r.gather(ctx, providerUserID, originalUserID)
	if err != nil {
		r.logger.Warn("identity lookup failed, deferring",
			F("provider_user_id", providerUserID),
			F("error", err.Error()),
		)
		return Resolution{Kind: ResolutionDeferred}
	}
	return decideIdentity(facts)
}

func (r *Resolver) gather(ctx context.Context, providerUserID, originalUserID string) (identityFacts, error) {
	var facts identityFacts

	rec, err := r.findByProvider(ctx, providerUserID)
	if err != nil {
		return facts, err
	}
	if rec == nil && originalUserID != "" && originalUserID != providerUserID {
		if rec, err = r.findByProvider(ctx, originalUserID); err != nil {
			return facts, err
		}
	}
	if rec != nil {
		facts.byProvider = rec
		return facts, nil
	}

	if !IsUserID(providerUserID) {
		return facts, nil
	}
	facts.candidateUserID = providerUserID

	rec, err = r.lookup.FindLatestByUserID(ctx, providerUserID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return facts, err
	}
	facts.byCandidate = rec
	return facts, nil
}

func (r *Resolver) findByProvider(ctx context.Context, id string) (*SubscriptionRecord, error) {
	rec, err := r.lookup.FindLatestByProviderID(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}
