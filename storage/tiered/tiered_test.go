package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/storage/memory"
)

// flakyLedger wraps a memory ledger and can fail on demand.
type flakyLedger struct {
	*memory.Ledger
	mu      sync.Mutex
	markErr error
	seenErr error
	marks   int
}

func newFlaky() *flakyLedger {
	return &flakyLedger{Ledger: memory.NewLedger(nil)}
}

func (f *flakyLedger) Seen(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	err := f.seenErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Ledger.Seen(ctx, id)
}

func (f *flakyLedger) Mark(ctx context.Context, id string, ttl time.Duration) error {
	f.mu.Lock()
	f.marks++
	err := f.markErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Ledger.Mark(ctx, id, ttl)
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		l, err := New(Config{Hot: memory.NewLedger(nil), Cold: memory.NewLedger(nil)})
		require.NoError(t, err)
		assert.NoError(t, l.Close())
	})

	t.Run("nil hot ledger", func(t *testing.T) {
		l, err := New(Config{Cold: memory.NewLedger(nil)})
		assert.Nil(t, l)
		assert.ErrorContains(t, err, "hot and cold ledgers are required")
	})

	t.Run("defaults", func(t *testing.T) {
		l, err := New(Config{Hot: memory.NewLedger(nil), Cold: memory.NewLedger(nil), AsyncMark: true})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, 1000, cap(l.syncQueue))
		assert.Equal(t, time.Hour, l.conf.RepairTTL)
	})
}

func TestLedger_SeenReadThrough(t *testing.T) {
	hot := memory.NewLedger(nil)
	cold := memory.NewLedger(nil)
	l, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.Mark(ctx, "evt_1", time.Hour))

	seen, err := l.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, _ = hot.Seen(ctx, "evt_1")
	assert.True(t, seen, "cold hit repairs hot")

	seen, err = l.Seen(ctx, "evt_2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestLedger_SeenColdError(t *testing.T) {
	hot := memory.NewLedger(nil)
	cold := newFlaky()
	cold.seenErr = errors.New("redis: connection refused")
	l, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	_, err := l.Seen(ctx, "evt_1")
	assert.Error(t, err)

	require.NoError(t, hot.Mark(ctx, "evt_1", time.Hour))
	seen, err := l.Seen(ctx, "evt_1")
	require.NoError(t, err, "hot hit never reaches cold")
	assert.True(t, seen)
}

func TestLedger_MarkWriteThrough(t *testing.T) {
	hot := newFlaky()
	cold := newFlaky()
	l, _ := New(Config{Hot: hot, Cold: cold})
	ctx := context.Background()

	require.NoError(t, l.Mark(ctx, "evt_1", time.Hour))
	assert.Equal(t, 1, hot.Len())
	assert.Equal(t, 1, cold.Len())

	cold.markErr = errors.New("redis down")
	assert.Error(t, l.Mark(ctx, "evt_2", time.Hour))
	assert.Equal(t, 1, hot.Len(), "hot is not marked when cold fails")
}

func TestLedger_AsyncMark(t *testing.T) {
	hot := newFlaky()
	cold := newFlaky()
	cold.markErr = errors.New("redis down")

	var mu sync.Mutex
	var asyncErrs []error
	l, err := New(Config{
		Hot:       hot,
		Cold:      cold,
		AsyncMark: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			asyncErrs = append(asyncErrs, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Mark(ctx, "evt_1", time.Hour), "async mark succeeds once hot is written")
	assert.Equal(t, 1, hot.Len())

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, asyncErrs, 1)
	assert.ErrorContains(t, asyncErrs[0], "tiered ledger sync failed")
}

func TestLedger_AsyncQueueFull(t *testing.T) {
	var dropped int
	l := &Ledger{
		hot:       memory.NewLedger(nil),
		cold:      memory.NewLedger(nil),
		conf:      Config{AsyncMark: true, AsyncErrorHandler: func(error) { dropped++ }},
		syncQueue: make(chan func() error, 1),
		shutdown:  make(chan struct{}),
	}
	ctx := context.Background()

	require.NoError(t, l.Mark(ctx, "evt_1", time.Hour))
	require.NoError(t, l.Mark(ctx, "evt_2", time.Hour))
	assert.Equal(t, 1, dropped)
}
