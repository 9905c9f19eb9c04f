// Package scheduler runs a single re-arming timer over every entity with a
// deadline. Each pass collects pending entries from its sources, fires the
// ones that are due with bounded fan-out, and sleeps until the earliest
// remaining deadline, clamped between a floor and a ceiling.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/config"
)

// noDeadline stands in for "nothing pending", far enough out that the
// re-arm tiering lands on the ceiling.
const noDeadline = 365 * 24 * time.Hour

// Source contributes deadline entries and handles their expiry. Expire is
// retried on a later pass if it fails while its record still exists, so
// implementations must tolerate firing more than once for the same entry.
type Source interface {
	Name() string
	Entries(ctx context.Context) ([]Entry, error)
	Expire(ctx context.Context, e Entry) error
}

// Scheduler owns the timer loop. The first pass runs immediately on Start,
// which is what catches entries that expired while the process was down.
type Scheduler struct {
	sources    []Source
	logger     *common.Logger
	floor      time.Duration
	ceiling    time.Duration
	fanOut     int
	batchDelay time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool

	// lastPass is read by the status surface.
	passMu   sync.RWMutex
	lastPass time.Time
}

func New(logger *common.Logger, cfg *config.SchedulerConfig, sources ...Source) *Scheduler {
	fanOut := cfg.FanOut
	if fanOut < 1 {
		fanOut = 1
	}
	return &Scheduler{
		sources:    sources,
		logger:     logger,
		floor:      cfg.Floor(),
		ceiling:    cfg.Ceiling(),
		fanOut:     fanOut,
		batchDelay: cfg.BatchDelay(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the timer loop. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Stop cancels the loop and waits for the in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
}

// Notify wakes the loop so a newly created deadline gets considered without
// waiting out the current timer. Safe to call from any goroutine; repeated
// calls coalesce.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the loop has been started and not yet stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// LastPass returns when the loop last completed a pass, zero before the
// first one finishes.
func (s *Scheduler) LastPass() time.Time {
	s.passMu.RLock()
	defer s.passMu.RUnlock()
	return s.lastPass
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Fire immediately: anything that came due while the process was down
	// is handled before the first sleep.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next := s.pass(ctx)
		timer.Reset(s.rearmInterval(next))
	}
}

// pass collects entries from every source, expires the due ones, and
// returns the time until the earliest remaining deadline (the ceiling when
// nothing is pending).
func (s *Scheduler) pass(ctx context.Context) time.Duration {
	idx := newDeadlineIndex()
	for _, src := range s.sources {
		entries, err := src.Entries(ctx)
		if err != nil {
			s.logger.Warn().
				Str("source", src.Name()).
				Err(err).
				Msg("failed to collect deadline entries")
			continue
		}
		for _, e := range entries {
			idx.Set(Entry{
				Key:      src.Name() + "/" + e.Key,
				Deadline: e.Deadline,
				Payload:  sourcedEntry{src: src, entry: e},
			})
		}
	}

	now := time.Now()
	due := idx.PopDue(now)
	if len(due) > 0 {
		s.logger.Debug().Int("count", len(due)).Msg("expiring due entries")
	}

	// Fire in batches of fanOut, pausing between batches so a large
	// backlog does not burst against rate limits.
	for start := 0; start < len(due); start += s.fanOut {
		if start > 0 && s.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return s.ceiling
			case <-time.After(s.batchDelay):
			}
		}
		end := start + s.fanOut
		if end > len(due) {
			end = len(due)
		}

		var wg sync.WaitGroup
		for _, e := range due[start:end] {
			wg.Add(1)
			go func(e Entry) {
				defer wg.Done()
				sc := e.Payload.(sourcedEntry)
				if err := sc.src.Expire(ctx, sc.entry); err != nil {
					s.logger.Warn().
						Str("source", sc.src.Name()).
						Str("key", sc.entry.Key).
						Err(err).
						Msg("expiry handler failed, will retry next pass")
				}
			}(e)
		}
		wg.Wait()
	}

	s.passMu.Lock()
	s.lastPass = time.Now()
	s.passMu.Unlock()

	if next, ok := idx.Peek(); ok {
		return time.Until(next.Deadline)
	}
	return noDeadline
}

// rearmInterval picks the next sleep from the time until the earliest
// deadline. Checks get denser as a deadline nears: within six floors of it
// the loop runs at the floor, then at three and twelve floors out, and far
// deadlines just wait out the ceiling. With the default 10s floor and 5m
// ceiling that is 10s inside a minute, 30s inside ten minutes, 2m inside
// two hours.
func (s *Scheduler) rearmInterval(remaining time.Duration) time.Duration {
	var next time.Duration
	switch {
	case remaining <= 6*s.floor:
		next = s.floor
	case remaining <= 60*s.floor:
		next = 3 * s.floor
	case remaining < 720*s.floor:
		next = 12 * s.floor
	default:
		next = s.ceiling
	}
	return s.clamp(next)
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	if d < s.floor {
		return s.floor
	}
	if d > s.ceiling {
		return s.ceiling
	}
	return d
}

type sourcedEntry struct {
	src   Source
	entry Entry
}
