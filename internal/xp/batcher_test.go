package xp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guildworks/guildcore/internal/common"
)

type recordingStore struct {
	mu    sync.Mutex
	calls map[string]int64
	count int
}

func newRecordingStore() *recordingStore {
	return &recordingStore{calls: make(map[string]int64)}
}

func (s *recordingStore) AddExperience(_ context.Context, guildID, userID string, delta int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[guildID+":"+userID] += delta
	s.count++
	return true
}

func (s *recordingStore) total(guildID, userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[guildID+":"+userID]
}

func (s *recordingStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestBatcherCoalescesAwardsPerMember(t *testing.T) {
	store := newRecordingStore()
	b := NewBatcher(store, common.NewSilentLogger(), time.Hour, 100)
	b.Start()

	b.Award("guild1", "user1", 5)
	b.Award("guild1", "user1", 3)
	b.Award("guild1", "user1", 2)
	b.Award("guild1", "user2", 7)

	b.Stop()

	if got := store.total("guild1", "user1"); got != 10 {
		t.Errorf("user1 total = %d, want 10", got)
	}
	if got := store.total("guild1", "user2"); got != 7 {
		t.Errorf("user2 total = %d, want 7", got)
	}
	if got := store.writeCount(); got != 2 {
		t.Errorf("write count = %d, want 2 coalesced writes", got)
	}
}

func TestBatcherFlushesOnThreshold(t *testing.T) {
	store := newRecordingStore()
	// Interval far in the future, so only the threshold can trigger.
	b := NewBatcher(store, common.NewSilentLogger(), time.Hour, 2)
	b.Start()
	defer b.Stop()

	b.Award("guild1", "user1", 1)
	b.Award("guild1", "user2", 1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if store.writeCount() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("threshold flush did not happen, writes = %d", store.writeCount())
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	store := newRecordingStore()
	b := NewBatcher(store, common.NewSilentLogger(), 20*time.Millisecond, 100)
	b.Start()
	defer b.Stop()

	b.Award("guild1", "user1", 4)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if store.total("guild1", "user1") == 4 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("interval flush did not happen, total = %d", store.total("guild1", "user1"))
}

func TestBatcherStopFlushesPending(t *testing.T) {
	store := newRecordingStore()
	b := NewBatcher(store, common.NewSilentLogger(), time.Hour, 100)
	b.Start()

	b.Award("guild1", "user1", 9)
	b.Stop()

	if got := store.total("guild1", "user1"); got != 9 {
		t.Errorf("total after Stop = %d, want 9", got)
	}
}

func TestBatcherSeparatesGuilds(t *testing.T) {
	store := newRecordingStore()
	b := NewBatcher(store, common.NewSilentLogger(), time.Hour, 100)
	b.Start()

	b.Award("guild1", "user1", 1)
	b.Award("guild2", "user1", 2)
	b.Stop()

	if got := store.total("guild1", "user1"); got != 1 {
		t.Errorf("guild1 total = %d, want 1", got)
	}
	if got := store.total("guild2", "user1"); got != 2 {
		t.Errorf("guild2 total = %d, want 2", got)
	}
}
