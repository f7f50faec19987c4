package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

var publishedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestNotify_PublishesPersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, Config{})
	p.now = func() time.Time { return publishedAt }

	end := publishedAt.Add(30 * 24 * time.Hour)
	change := subsync.Change{
		Event:    &subsync.Event{ID: "evt_1", Type: subsync.EventRenewal},
		Outcome:  subsync.OutcomeUpdated,
		Previous: &subsync.SubscriptionRecord{ID: "r1", IsActive: false},
		Current: &subsync.SubscriptionRecord{
			ID: "r1", UserID: "u1", ProviderUserID: "rc_1", Entitlement: "pro",
			IsActive: true, WillRenew: true, CurrentPeriodEnd: &end,
		},
	}

	require.NoError(t, p.Notify(context.Background(), change))
	require.Len(t, ch.sent, 1)

	sent := ch.sent[0]
	assert.Equal(t, DefaultExchange, sent.exchange)
	assert.Equal(t, "subscription.updated", sent.key)
	assert.Equal(t, amqp.Persistent, sent.msg.DeliveryMode)
	assert.Equal(t, "application/json", sent.msg.ContentType)

	var msg ChangeMessage
	require.NoError(t, json.Unmarshal(sent.msg.Body, &msg))
	assert.Equal(t, "evt_1", msg.EventID)
	assert.Equal(t, "renewal", msg.EventType)
	assert.Equal(t, "u1", msg.UserID)
	assert.True(t, msg.IsActive)
	assert.False(t, msg.WasActive)
	assert.True(t, msg.CurrentPeriodEnd.Equal(end))
	assert.Equal(t, publishedAt, msg.PublishedAt)
}

func TestNotify_PublishErrorFailsEvent(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := newPublisher(ch, Config{Exchange: "custom"})

	store := memory.New()
	store.AddUser("7f3c2a1e-5b4d-4c6e-8f9a-0b1c2d3e4f5a")
	r, err := subsync.NewReconciler(store, subsync.Config{OnChange: p.Notify})
	require.NoError(t, err)

	_, err = r.Process(context.Background(), &subsync.Event{
		ID:        "evt_1",
		Type:      subsync.EventInitialPurchase,
		AppUserID: "7f3c2a1e-5b4d-4c6e-8f9a-0b1c2d3e4f5a",
		Timestamp: publishedAt,
	})
	assert.ErrorContains(t, err, "channel closed")
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(ch, Config{})
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}
