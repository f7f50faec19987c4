package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

const ledgerSweepEvery = time.Minute

// Ledger is an in-process subsync.EventLedger. Entries expire after their TTL
// and are swept lazily on Mark.
type Ledger struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// NewLedger returns an empty ledger. A nil clock uses time.Now.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{entries: make(map[string]time.Time), now: now}
}

// Seen implements subsync.EventLedger
func (l *Ledger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expires, ok := l.entries[eventID]
	if !ok {
		return false, nil
	}
	if !expires.After(l.now()) {
		delete(l.entries, eventID)
		return false, nil
	}
	return true, nil
}

// Mark implements subsync.EventLedger. The first mark's expiry is kept.
func (l *Ledger) Mark(_ context.Context, eventID string, ttl time.Duration) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= ledgerSweepEvery {
		l.sweep(now)
	}
	if expires, ok := l.entries[eventID]; ok && expires.After(now) {
		return nil
	}
	l.entries[eventID] = now.Add(ttl)
	return nil
}

func (l *Ledger) sweep(now time.Time) {
	for id, expires := range l.entries {
		if !expires.After(now) {
			delete(l.entries, id)
		}
	}
	l.lastSweep = now
}

// Len returns the number of unexpired entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(l.now())
	return len(l.entries)
}
