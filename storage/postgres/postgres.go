// Package postgres provides a PostgreSQL implementation of the subsync.Storage interface.
// Invariants are enforced by the schema: a unique provider_user_id, a foreign key
// to the users table, and a partial unique index allowing one active record per user.
// Constraint violations are surfaced as *subsync.ConstraintError.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// PostgreSQL error codes
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Constraint names created by Migrate
const (
	ConstraintProviderUserID = "subscriptions_provider_user_id_key"
	ConstraintUserFK         = "subscriptions_user_id_fkey"
	ConstraintOneActive      = "subscriptions_one_active_per_user"
)

const selectColumns = `id, user_id, provider_user_id, provider_original_user_id, entitlement, product_id,
	store, environment, is_active, is_trial, will_renew, current_period_end, original_purchase_at,
	raw_event_snapshot, last_event_at, last_event_type, created_at, updated_at`

// Storage implements subsync.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %v", subsync.ErrStorageUnavailable, err)
	}

	return &Storage{
		pool:   pool,
		config: config,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist. The users table is a
// minimal stand-in; applications with their own users table only need the
// id column to exist before migrating.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                        TEXT PRIMARY KEY,
		user_id                   TEXT NOT NULL,
		provider_user_id          TEXT NOT NULL,
		provider_original_user_id TEXT NOT NULL DEFAULT '',
		entitlement               TEXT NOT NULL DEFAULT '',
		product_id                TEXT NOT NULL DEFAULT '',
		store                     TEXT NOT NULL,
		environment               TEXT NOT NULL,
		is_active                 BOOLEAN NOT NULL,
		is_trial                  BOOLEAN NOT NULL,
		will_renew                BOOLEAN NOT NULL,
		current_period_end        TIMESTAMPTZ,
		original_purchase_at      TIMESTAMPTZ,
		raw_event_snapshot        JSONB,
		last_event_at             TIMESTAMPTZ,
		last_event_type           TEXT NOT NULL DEFAULT '',
		created_at                TIMESTAMPTZ NOT NULL,
		updated_at                TIMESTAMPTZ NOT NULL,
		CONSTRAINT subscriptions_provider_user_id_key UNIQUE (provider_user_id),
		CONSTRAINT subscriptions_user_id_fkey FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_one_active_per_user
		ON subscriptions(user_id) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_original_user_id ON subscriptions(provider_original_user_id);
`

// AddUser inserts user ids into the users table, ignoring existing ones.
func (s *Storage) AddUser(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.executor(ctx).Exec(ctx,
			`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("failed to add user: %w", err)
		}
	}
	return nil
}

// FindLatestByProviderID implements subsync.Storage
func (s *Storage) FindLatestByProviderID(ctx context.Context, providerID string) (*subsync.SubscriptionRecord, error) {
	return s.queryOne(ctx, "find latest by provider id",
		`SELECT `+selectColumns+` FROM subscriptions
			WHERE provider_user_id = $1 OR provider_original_user_id = $1
			ORDER BY created_at DESC LIMIT 1`, providerID)
}

// FindLatestByUserID implements subsync.Storage
func (s *Storage) FindLatestByUserID(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error) {
	return s.queryOne(ctx, "find latest by user id",
		`SELECT `+selectColumns+` FROM subscriptions
			WHERE user_id = $1
			ORDER BY created_at DESC LIMIT 1`, userID)
}

// FindByProviderUserID implements subsync.Storage
func (s *Storage) FindByProviderUserID(ctx context.Context, providerUserID string) (*subsync.SubscriptionRecord, error) {
	return s.queryOne(ctx, "find by provider user id",
		`SELECT `+selectColumns+` FROM subscriptions WHERE provider_user_id = $1`, providerUserID)
}

// FindActiveByUserID implements subsync.Storage
func (s *Storage) FindActiveByUserID(ctx context.Context, userID string) (*subsync.SubscriptionRecord, error) {
	return s.queryOne(ctx, "find active by user id",
		`SELECT `+selectColumns+` FROM subscriptions
			WHERE user_id = $1 AND is_active
			ORDER BY created_at DESC LIMIT 1`, userID)
}

// UpsertByProviderUserID implements subsync.Storage
func (s *Storage) UpsertByProviderUserID(ctx context.Context,
	rec *subsync.SubscriptionRecord) (*subsync.SubscriptionRecord, error) {
	if rec == nil || rec.ProviderUserID == "" {
		return nil, fmt.Errorf("invalid subscription record")
	}
	now := s.now()
	args := append([]any{uuid.NewString()}, recordArgs(rec)...)
	args = append(args, now)

	return s.queryOne(ctx, "upsert subscription",
		`INSERT INTO subscriptions (id, user_id, provider_user_id, provider_original_user_id, entitlement,
				product_id, store, environment, is_active, is_trial, will_renew, current_period_end,
				original_purchase_at, raw_event_snapshot, last_event_at, last_event_type, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
			ON CONFLICT (provider_user_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				provider_original_user_id = EXCLUDED.provider_original_user_id,
				entitlement = EXCLUDED.entitlement,
				product_id = EXCLUDED.product_id,
				store = EXCLUDED.store,
				environment = EXCLUDED.environment,
				is_active = EXCLUDED.is_active,
				is_trial = EXCLUDED.is_trial,
				will_renew = EXCLUDED.will_renew,
				current_period_end = EXCLUDED.current_period_end,
				original_purchase_at = EXCLUDED.original_purchase_at,
				raw_event_snapshot = EXCLUDED.raw_event_snapshot,
				last_event_at = EXCLUDED.last_event_at,
				last_event_type = EXCLUDED.last_event_type,
				updated_at = EXCLUDED.updated_at
			RETURNING `+selectColumns,
		args...)
}

// UpdateByID implements subsync.Storage
func (s *Storage) UpdateByID(ctx context.Context, id string,
	rec *subsync.SubscriptionRecord) (*subsync.SubscriptionRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("invalid subscription record")
	}
	args := append([]any{id}, recordArgs(rec)...)
	args = append(args, s.now())

	return s.queryOne(ctx, "update subscription",
		`UPDATE subscriptions SET
				user_id = $2,
				provider_user_id = $3,
				provider_original_user_id = $4,
				entitlement = $5,
				product_id = $6,
				store = $7,
				environment = $8,
				is_active = $9,
				is_trial = $10,
				will_renew = $11,
				current_period_end = $12,
				original_purchase_at = $13,
				raw_event_snapshot = $14,
				last_event_at = $15,
				last_event_type = $16,
				updated_at = $17
			WHERE id = $1
			RETURNING `+selectColumns,
		args...)
}

// DeactivateOthers implements subsync.Storage
func (s *Storage) DeactivateOthers(ctx context.Context, userID string, keep subsync.Keep) (int64, error) {
	return s.deactivate(ctx, "deactivate others", userID, keep, false)
}

// DeactivateActiveTrials implements subsync.Storage
func (s *Storage) DeactivateActiveTrials(ctx context.Context, userID string, keep subsync.Keep) (int64, error) {
	return s.deactivate(ctx, "deactivate trials", userID, keep, true)
}

func (s *Storage) deactivate(ctx context.Context, op, userID string, keep subsync.Keep, trialsOnly bool) (int64, error) {
	tag, err := s.executor(ctx).Exec(ctx,
		`UPDATE subscriptions SET is_active = FALSE, updated_at = $2
			WHERE user_id = $1 AND is_active
				AND ($3 = FALSE OR is_trial)
				AND NOT ($4 <> '' AND id = $4)
				AND NOT ($5 <> '' AND provider_user_id = $5)`,
		userID, s.now(), trialsOnly, keep.ID, keep.ProviderUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, mapError(err))
	}
	return tag.RowsAffected(), nil
}

// InTx runs fn in a transaction. Calls made with the context passed to fn
// join the transaction; nested InTx calls do too.
func (s *Storage) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		return fn(ctx)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", subsync.ErrStorageUnavailable, err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(withTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

func (s *Storage) queryOne(ctx context.Context, op, query string, args ...any) (*subsync.SubscriptionRecord, error) {
	rec, err := scanRecord(s.executor(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, mapError(err))
	}
	return rec, nil
}

// recordArgs returns the record columns in $2..$16 order.
func recordArgs(rec *subsync.SubscriptionRecord) []any {
	var raw []byte
	if len(rec.RawEventSnapshot) > 0 {
		raw = []byte(rec.RawEventSnapshot)
	}
	return []any{
		rec.UserID,
		rec.ProviderUserID,
		rec.ProviderOriginalUserID,
		rec.Entitlement,
		rec.ProductID,
		string(rec.Store),
		string(rec.Environment),
		rec.IsActive,
		rec.IsTrial,
		rec.WillRenew,
		rec.CurrentPeriodEnd,
		rec.OriginalPurchaseAt,
		raw,
		rec.LastEventAt,
		string(rec.LastEventType),
	}
}

func scanRecord(row pgx.Row) (*subsync.SubscriptionRecord, error) {
	var (
		rec                          subsync.SubscriptionRecord
		store, environment, lastType string
		raw                          []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.ProviderUserID,
		&rec.ProviderOriginalUserID,
		&rec.Entitlement,
		&rec.ProductID,
		&store,
		&environment,
		&rec.IsActive,
		&rec.IsTrial,
		&rec.WillRenew,
		&rec.CurrentPeriodEnd,
		&rec.OriginalPurchaseAt,
		&raw,
		&rec.LastEventAt,
		&lastType,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Store = subsync.Store(store)
	rec.Environment = subsync.Environment(environment)
	rec.LastEventType = subsync.EventType(lastType)
	rec.RawEventSnapshot = raw
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// mapError converts constraint violations into *subsync.ConstraintError.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return &subsync.ConstraintError{
			Kind:       subsync.UniqueViolation,
			Column:     constraintColumn(pgErr.ConstraintName),
			Constraint: pgErr.ConstraintName,
			Err:        err,
		}
	case codeForeignKeyViolation:
		return &subsync.ConstraintError{
			Kind:       subsync.ForeignKeyViolation,
			Column:     subsync.ColumnUserID,
			Constraint: pgErr.ConstraintName,
			Err:        err,
		}
	}
	return err
}

func constraintColumn(constraint string) string {
	switch constraint {
	case ConstraintProviderUserID:
		return subsync.ColumnProviderUserID
	case ConstraintOneActive, ConstraintUserFK:
		return subsync.ColumnUserID
	}
	if strings.Contains(constraint, "provider_user_id") {
		return subsync.ColumnProviderUserID
	}
	return subsync.ColumnUserID
}
