// Package redis provides a Redis implementation of the subsync.EventLedger interface.
// The ledger remembers processed provider event ids for a bounded time so
// redelivered webhooks short-circuit before touching the subscription store.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger implements subsync.EventLedger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// DefaultTTL is used when Mark is called with a zero TTL
	DefaultTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subsync:",
		DefaultTTL: 72 * time.Hour,
	}
}

// New creates a new Redis event ledger.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultConfig().DefaultTTL
	}

	return &Ledger{client: client, config: config}, nil
}

// Seen implements subsync.EventLedger
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// Mark implements subsync.EventLedger. Marking an already marked event keeps
// the original expiry.
func (l *Ledger) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if ttl <= 0 {
		ttl = l.config.DefaultTTL
	}
	if err := l.client.SetNX(ctx, l.eventKey(eventID), time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark event: %w", err)
	}
	return nil
}

// Forget removes an event id so a redelivery is processed again.
func (l *Ledger) Forget(ctx context.Context, eventID string) error {
	if err := l.client.Del(ctx, l.eventKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to forget event: %w", err)
	}
	return nil
}

func (l *Ledger) eventKey(eventID string) string {
	return l.config.KeyPrefix + "event:" + eventID
}

// Close closes the Redis client
func (l *Ledger) Close() error {
	return l.client.Close()
}

// Ping checks the Redis connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
