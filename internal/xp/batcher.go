// Package xp coalesces the high-frequency experience awards generated by
// message activity into periodic storage writes.
package xp

import (
	"context"
	"sync"
	"time"

	"github.com/guildworks/guildcore/internal/common"
)

type experienceStore interface {
	AddExperience(ctx context.Context, guildID, userID string, delta int64) bool
}

type award struct {
	guildID string
	userID  string
	delta   int64
}

// Batcher accumulates awards per (guild, user) and flushes the summed
// deltas on an interval or when the pending set grows past a threshold.
// Awards are accepted from any goroutine; one worker drains them, so the
// storage layer sees a single writer per flush.
type Batcher struct {
	store      experienceStore
	logger     *common.Logger
	interval   time.Duration
	maxPending int

	events chan award
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewBatcher builds a batcher flushing every interval, or earlier once
// maxPending distinct members have unflushed awards.
func NewBatcher(store experienceStore, logger *common.Logger, interval time.Duration, maxPending int) *Batcher {
	if maxPending < 1 {
		maxPending = 1
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Batcher{
		store:      store,
		logger:     logger,
		interval:   interval,
		maxPending: maxPending,
		events:     make(chan award, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the drain worker. Calling Start twice is a no-op.
func (b *Batcher) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.stopped {
		return
	}
	b.started = true
	go b.run()
}

// Stop flushes everything pending and waits for the worker to exit. No
// Award calls may follow Stop.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	b.mu.Unlock()

	close(b.stop)
	if started {
		<-b.done
	}
}

// Award queues delta XP for a member. It blocks only when the queue is
// saturated, which lets bursts apply backpressure instead of dropping.
func (b *Batcher) Award(guildID, userID string, delta int64) {
	b.events <- award{guildID: guildID, userID: userID, delta: delta}
}

func (b *Batcher) run() {
	defer close(b.done)

	pending := make(map[string]*award)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case a := <-b.events:
			b.coalesce(pending, a)
			if len(pending) >= b.maxPending {
				b.flush(pending)
			}
		case <-ticker.C:
			b.flush(pending)
		case <-b.stop:
			// Drain whatever raced with Stop, then flush once more.
			for {
				select {
				case a := <-b.events:
					b.coalesce(pending, a)
				default:
					b.flush(pending)
					return
				}
			}
		}
	}
}

func (b *Batcher) coalesce(pending map[string]*award, a award) {
	key := a.guildID + ":" + a.userID
	if existing, ok := pending[key]; ok {
		existing.delta += a.delta
		return
	}
	pending[key] = &a
}

func (b *Batcher) flush(pending map[string]*award) {
	if len(pending) == 0 {
		return
	}
	ctx := context.Background()
	for key, a := range pending {
		if !b.store.AddExperience(ctx, a.guildID, a.userID, a.delta) {
			b.logger.Warn().
				Str("member", key).
				Int64("delta", a.delta).
				Msg("experience flush failed, awards lost")
		}
		delete(pending, key)
	}
}
