package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/interfaces"
	"github.com/guildworks/guildcore/internal/models"
)

// pollStore is the slice of the storage manager the source needs.
type pollStore interface {
	ActivePolls(ctx context.Context) []models.Poll
	EndPoll(ctx context.Context, pollID string, now time.Time) (*models.Poll, bool)
}

// PollSource expires polls whose voting window has closed: flip the poll to
// its terminal state, then publish the result to the poll's channel. The
// persisted terminal state is the completion marker; the announcement is
// best effort.
type PollSource struct {
	store   pollStore
	discord interfaces.Discord
	logger  *common.Logger
}

func NewPollSource(store pollStore, discord interfaces.Discord, logger *common.Logger) *PollSource {
	return &PollSource{store: store, discord: discord, logger: logger}
}

func (s *PollSource) Name() string { return "polls" }

func (s *PollSource) Entries(ctx context.Context) ([]Entry, error) {
	polls := s.store.ActivePolls(ctx)
	entries := make([]Entry, 0, len(polls))
	for _, p := range polls {
		entries = append(entries, Entry{
			Key:      p.ID,
			Deadline: p.Deadline(),
			Payload:  p.ID,
		})
	}
	return entries, nil
}

func (s *PollSource) Expire(ctx context.Context, e Entry) error {
	pollID, ok := e.Payload.(string)
	if !ok {
		return fmt.Errorf("unexpected payload %T for key %s", e.Payload, e.Key)
	}

	poll, ok := s.store.EndPoll(ctx, pollID, time.Now())
	if !ok {
		return fmt.Errorf("failed to end poll %s", pollID)
	}

	counts, total := poll.Tally()
	result := interfaces.PollResult{
		PollID:   poll.ID,
		Question: poll.Question,
		Options:  poll.Options,
		Counts:   counts,
		Total:    total,
	}
	if err := s.discord.PublishPollResult(ctx, poll.ChannelID, result); err != nil {
		// The poll is already terminal, so this is not retried.
		s.logger.Warn().
			Str("poll_id", poll.ID).
			Str("channel_id", poll.ChannelID).
			Err(err).
			Msg("failed to publish poll result")
	}
	return nil
}
