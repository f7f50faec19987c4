package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	l, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "subsync:", l.config.KeyPrefix)
	assert.Equal(t, 72*time.Hour, l.config.DefaultTTL)
	assert.Equal(t, "subsync:event:evt_1", l.eventKey("evt_1"))
}

func TestLedger_MarkAndSeen(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, Config{KeyPrefix: "test:"})
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := l.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.Mark(ctx, "evt_1", time.Minute))
	seen, err = l.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	ttl, err := client.TTL(ctx, "test:event:evt_1").Result()
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 2)

	// Re-marking keeps the original expiry.
	require.NoError(t, l.Mark(ctx, "evt_1", time.Hour))
	ttl, err = client.TTL(ctx, "test:event:evt_1").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Minute)

	require.NoError(t, l.Forget(ctx, "evt_1"))
	seen, err = l.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	assert.Error(t, l.Mark(ctx, "", time.Minute))
}

func TestLedger_ShortCircuitsRedelivery(t *testing.T) {
	client := setupTestRedis(t)
	l, err := New(client, DefaultConfig())
	require.NoError(t, err)

	store := &countingStorage{}
	r, err := subsync.NewReconciler(store, subsync.Config{Ledger: l})
	require.NoError(t, err)

	ev := &subsync.Event{ID: "evt_dup", Type: subsync.EventRenewal, AppUserID: "anon"}
	require.NoError(t, l.Mark(context.Background(), ev.ID, time.Minute))

	res, err := r.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeDuplicate, res.Outcome)
	assert.Zero(t, store.calls)
}

// countingStorage counts storage calls; the duplicate path must make none.
type countingStorage struct {
	subsync.Storage
	calls int
}

func (c *countingStorage) FindLatestByProviderID(context.Context, string) (*subsync.SubscriptionRecord, error) {
	c.calls++
	return nil, subsync.ErrRecordNotFound
}
