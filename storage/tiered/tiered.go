// Package tiered provides a Hot/Cold event ledger that fronts a shared
// durable ledger (Cold, e.g. Redis) with a fast per-process one (Hot, e.g.
// memory) so redelivered webhooks short-circuit without a network round trip.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Config configures the tiered ledger behavior
type Config struct {
	// Hot is the L1 ledger, checked first and filled on Cold hits
	Hot subsync.EventLedger

	// Cold is the L2 ledger shared by all instances
	Cold subsync.EventLedger

	// AsyncMark writes Cold in a background worker after Hot is marked.
	// If false, Cold is written first and synchronously.
	AsyncMark bool

	// SyncBufferSize is the size of the buffered channel for async marks.
	// Default: 1000
	SyncBufferSize int

	// RepairTTL is the Hot TTL used when a Cold hit is copied into Hot.
	// Default: 1h
	RepairTTL time.Duration

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Ledger implements a Hot/Cold tiered subsync.EventLedger.
// - Read-Through: Seen (Hot → Cold → populate Hot)
// - Write-Through: Mark (Cold → Hot), or Hot then async Cold with AsyncMark
type Ledger struct {
	hot  subsync.EventLedger
	cold subsync.EventLedger
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered ledger.
func New(config Config) (*Ledger, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered ledger: both hot and cold ledgers are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}
	if config.RepairTTL <= 0 {
		config.RepairTTL = time.Hour
	}

	l := &Ledger{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncMark {
		l.startWorker()
	}

	return l, nil
}

// Close drains pending async marks and stops the worker (if enabled).
func (l *Ledger) Close() error {
	if l.conf.AsyncMark {
		select {
		case <-l.shutdown:
			// Already closed
		default:
			close(l.shutdown)
			l.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
func (l *Ledger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-l.syncQueue:
				l.runJob(job)
			case <-l.shutdown:
				// Drain queue on shutdown
				for {
					select {
					case job := <-l.syncQueue:
						l.runJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (l *Ledger) runJob(job func() error) {
	if err := job(); err != nil && l.conf.AsyncErrorHandler != nil {
		l.conf.AsyncErrorHandler(fmt.Errorf("tiered ledger sync failed: %w", err))
	}
}

// Seen implements subsync.EventLedger with read-through strategy.
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	// 1. Try Hot
	if seen, err := l.hot.Seen(ctx, eventID); err == nil && seen {
		return true, nil
	}

	// 2. Try Cold (shared across instances)
	seen, err := l.cold.Seen(ctx, eventID)
	if err != nil || !seen {
		return false, err
	}

	// 3. Populate Hot. Errors are ignored since Hot is only a cache.
	_ = l.hot.Mark(ctx, eventID, l.conf.RepairTTL) //nolint:errcheck // Cache fill
	return true, nil
}

// Mark implements subsync.EventLedger.
func (l *Ledger) Mark(ctx context.Context, eventID string, ttl time.Duration) error {
	if !l.conf.AsyncMark {
		// Cold first so other instances see it before we report success
		if err := l.cold.Mark(ctx, eventID, ttl); err != nil {
			return err
		}
		return l.hot.Mark(ctx, eventID, ttl)
	}

	if err := l.hot.Mark(ctx, eventID, ttl); err != nil {
		return err
	}

	// Attempt to enqueue non-blocking
	select {
	case l.syncQueue <- func() error {
		// Background context so the write completes after the request ends
		return l.cold.Mark(context.Background(), eventID, ttl)
	}:
	default:
		if l.conf.AsyncErrorHandler != nil {
			l.conf.AsyncErrorHandler(errors.New("tiered ledger: sync queue full, dropping cold mark"))
		}
	}
	return nil
}
