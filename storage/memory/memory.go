// Package memory provides an in-memory implementation of the subsync.Storage interface.
// This implementation is primarily intended for testing and development.
//
// It emulates the constraints of the relational schema: unique provider_user_id,
// the user_id foreign key, and the partial unique index allowing one active
// record per user. Violations surface as *subsync.ConstraintError exactly like
// the Postgres adapter.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Constraint names mirror the Postgres schema.
const (
	constraintProviderUserID = "subscriptions_provider_user_id_key"
	constraintUserFK         = "subscriptions_user_id_fkey"
	constraintOneActive      = "subscriptions_one_active_per_user"
)

type txKey struct{}

// Option configures the in-memory storage
type Option func(*Storage)

// WithoutUserCheck disables the emulated user_id foreign key, so any user id
// is accepted. Useful for local development without a user store.
func WithoutUserCheck() Option {
	return func(s *Storage) {
		s.checkUsers = false
	}
}

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// Storage implements subsync.Storage using in-memory maps
type Storage struct {
	// txMu serializes transactions and standalone writes
	txMu sync.Mutex
	mu   sync.RWMutex

	records map[string]*subsync.SubscriptionRecord
	order   []string // insertion order, oldest first
	users   map[string]struct{}

	checkUsers bool
	now        func() time.Time
}

// New creates a new in-memory storage adapter
func New(opts ...Option) *Storage {
	s := &Storage{
		records:    make(map[string]*subsync.SubscriptionRecord),
		users:      make(map[string]struct{}),
		checkUsers: true,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers user ids that satisfy the emulated foreign key.
func (s *Storage) AddUser(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.users[id] = struct{}{}
	}
}

// Records returns copies of all records, oldest first.
func (s *Storage) Records() []*subsync.SubscriptionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.SubscriptionRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id].Clone())
	}
	return out
}

// Seed inserts rec as-is, bypassing constraint checks. Missing ids and
// timestamps are filled in. Intended for test fixtures.
func (s *Storage) Seed(rec *subsync.SubscriptionRecord) *subsync.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := rec.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if _, exists := s.records[c.ID]; !exists {
		s.order = append(s.order, c.ID)
	}
	s.records[c.ID] = c
	return c.Clone()
}

// Clear removes all records and users
func (s *Storage) Clear() {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*subsync.SubscriptionRecord)
	s.order = nil
	s.users = make(map[string]struct{})
}

// InTx implements subsync.Storage. Transactions are serialized and rolled
// back by restoring a snapshot. Nested calls join the outer transaction.
func (s *Storage) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	records, order := s.snapshot()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.mu.Lock()
		s.records, s.order = records, order
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Storage) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Storage)
	return owner == s
}

func (s *Storage) snapshot() (map[string]*subsync.SubscriptionRecord, []string) {
	records := make(map[string]*subsync.SubscriptionRecord, len(s.records))
	for id, rec := range s.records {
		records[id] = rec.Clone()
	}
	return records, append([]string(nil), s.order...)
}

// write runs fn under the write lock, serialized against transactions
// unless ctx already belongs to one.
func (s *Storage) write(ctx context.Context, fn func() error) error {
	if !s.inTx(ctx) {
		s.txMu.Lock()
		defer s.txMu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// FindLatestByProviderID implements subsync.Storage
func (s *Storage) FindLatestByProviderID(ctx context.Context, providerID string) (*subsync.SubscriptionRecord, error) {
	return s.findLatest(func(r *subsync.SubscriptionRecord) bool {
		return r.ProviderUserID == providerID || r.ProviderOriginalUserID == providerID
	})
}

// FindLatestByUserID implements subsync.Storage
func (s *Storage) FindLatestByUserID(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error) {
	return s.findLatest(func(r *subsync.SubscriptionRecord) bool {
		return r.UserID == userID
	})
}

// FindByProviderUserID implements subsync.Storage
func (s *Storage) FindByProviderUserID(ctx context.Context, providerUserID string) (*subsync.SubscriptionRecord, error) {
	return s.findLatest(func(r *subsync.SubscriptionRecord) bool {
		return r.ProviderUserID == providerUserID
	})
}

// FindActiveByUserID implements subsync.Storage
func (s *Storage) FindActiveByUserID(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error) {
	return s.findLatest(func(r *subsync.SubscriptionRecord) bool {
		return r.UserID == userID && r.IsActive
	})
}

func (s *Storage) findLatest(match func(*subsync.SubscriptionRecord) bool) (*subsync.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *subsync.SubscriptionRecord
	for _, id := range s.order {
		rec := s.records[id]
		if !match(rec) {
			continue
		}
		// Later insertions win ties on CreatedAt
		if latest == nil || !rec.CreatedAt.Before(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, subsync.ErrRecordNotFound
	}
	return latest.Clone(), nil
}

// UpsertByProviderUserID implements subsync.Storage
func (s *Storage) UpsertByProviderUserID(ctx context.Context,
	rec *subsync.SubscriptionRecord) (*subsync.SubscriptionRecord, error) {
	if rec == nil || rec.ProviderUserID == "" {
		return nil, fmt.Errorf("invalid subscription record")
	}

	var stored *subsync.SubscriptionRecord
	err := s.write(ctx, func() error {
		now := s.now()
		var existing *subsync.SubscriptionRecord
		for _, r := range s.records {
			if r.ProviderUserID == rec.ProviderUserID {
				existing = r
				break
			}
		}

		next := rec.Clone()
		if existing != nil {
			next.ID = existing.ID
			next.CreatedAt = existing.CreatedAt
		} else {
			next.ID = uuid.NewString()
			next.CreatedAt = now
		}
		next.UpdatedAt = now

		if err := s.checkConstraints(next); err != nil {
			return err
		}
		if existing == nil {
			s.order = append(s.order, next.ID)
		}
		s.records[next.ID] = next
		stored = next.Clone()
		return nil
	})
	return stored, err
}

// UpdateByID implements subsync.Storage
func (s *Storage) UpdateByID(ctx context.Context, id string,
	rec *subsync.SubscriptionRecord) (*subsync.SubscriptionRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("invalid subscription record")
	}

	var stored *subsync.SubscriptionRecord
	err := s.write(ctx, func() error {
		existing, ok := s.records[id]
		if !ok {
			return subsync.ErrRecordNotFound
		}

		next := rec.Clone()
		next.ID = id
		next.CreatedAt = existing.CreatedAt
		next.UpdatedAt = s.now()

		if err := s.checkConstraints(next); err != nil {
			return err
		}
		s.records[id] = next
		stored = next.Clone()
		return nil
	})
	return stored, err
}

// DeactivateOthers implements subsync.Storage
func (s *Storage) DeactivateOthers(ctx context.Context, userID string, keep subsync.Keep) (int64, error) {
	return s.deactivate(ctx, func(r *subsync.SubscriptionRecord) bool {
		return r.UserID == userID && r.IsActive && !keep.Matches(r)
	})
}

// DeactivateActiveTrials implements subsync.Storage
func (s *Storage) DeactivateActiveTrials(ctx context.Context, userID string, keep subsync.Keep) (int64, error) {
	return s.deactivate(ctx, func(r *subsync.SubscriptionRecord) bool {
		return r.UserID == userID && r.IsActive && r.IsTrial && !keep.Matches(r)
	})
}

func (s *Storage) deactivate(ctx context.Context, match func(*subsync.SubscriptionRecord) bool) (int64, error) {
	var n int64
	err := s.write(ctx, func() error {
		now := s.now()
		for _, r := range s.records {
			if match(r) {
				r.IsActive = false
				r.UpdatedAt = now
				n++
			}
		}
		return nil
	})
	return n, err
}

// checkConstraints must be called with mu held. next.ID identifies the row
// being written so it does not conflict with itself.
func (s *Storage) checkConstraints(next *subsync.SubscriptionRecord) error {
	if s.checkUsers {
		if _, ok := s.users[next.UserID]; !ok {
			return &subsync.ConstraintError{
				Kind:       subsync.ForeignKeyViolation,
				Column:     subsync.ColumnUserID,
				Constraint: constraintUserFK,
			}
		}
	}
	for id, r := range s.records {
		if id != next.ID && r.ProviderUserID == next.ProviderUserID {
			return &subsync.ConstraintError{
				Kind:       subsync.UniqueViolation,
				Column:     subsync.ColumnProviderUserID,
				Constraint: constraintProviderUserID,
			}
		}
	}
	if !next.IsActive {
		return nil
	}
	for id, r := range s.records {
		if id != next.ID && r.IsActive && r.UserID == next.UserID {
			return &subsync.ConstraintError{
				Kind:       subsync.UniqueViolation,
				Column:     subsync.ColumnUserID,
				Constraint: constraintOneActive,
			}
		}
	}
	return nil
}
