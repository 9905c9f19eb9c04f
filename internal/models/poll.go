package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPollEnded is returned for any vote mutation against a poll whose
	// Active flag is false, whether the scheduler or a manual end flipped it.
	ErrPollEnded = errors.New("poll has ended")
	// ErrInvalidOption is returned when a vote references an option index
	// outside the poll's option list.
	ErrInvalidOption = errors.New("invalid poll option")
)

// Poll is a time-boxed vote. Keyed by poll ID in the polls collection.
// Active=false is terminal: no further vote mutations are accepted.
type Poll struct {
	ID            string    `json:"id"`
	GuildID       string    `json:"guild_id"`
	ChannelID     string    `json:"channel_id"`
	CreatorID     string    `json:"creator_id"`
	Question      string    `json:"question"`
	Options       []string  `json:"options"`
	// Votes maps user ID to the option indices that user chose.
	Votes         map[string][]int `json:"votes"`
	MultiChoice   bool             `json:"multi_choice"`
	CreatedAt     time.Time        `json:"created_at"`
	DurationHours float64          `json:"duration_hours"`
	Active        bool             `json:"active"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
}

// NewPoll creates an active poll with a fresh ID, expiring durationHours
// after now.
func NewPoll(guildID, channelID, creatorID, question string, options []string, multiChoice bool, durationHours float64, now time.Time) *Poll {
	return &Poll{
		ID:            uuid.NewString(),
		GuildID:       guildID,
		ChannelID:     channelID,
		CreatorID:     creatorID,
		Question:      question,
		Options:       options,
		Votes:         make(map[string][]int),
		MultiChoice:   multiChoice,
		CreatedAt:     now.UTC(),
		DurationHours: durationHours,
		Active:        true,
	}
}

// Deadline is the wall-clock time at which the poll expires.
func (p *Poll) Deadline() time.Time {
	return p.CreatedAt.Add(time.Duration(p.DurationHours * float64(time.Hour)))
}

// Expired reports whether the poll's deadline has passed at now.
func (p *Poll) Expired(now time.Time) bool {
	return !now.Before(p.Deadline())
}

// AddVote records userID's vote for option. Single-choice polls replace any
// previous vote; multi-choice polls accumulate distinct options.
func (p *Poll) AddVote(userID string, option int) error {
	if !p.Active {
		return ErrPollEnded
	}
	if option < 0 || option >= len(p.Options) {
		return ErrInvalidOption
	}
	if p.Votes == nil {
		p.Votes = make(map[string][]int)
	}
	if !p.MultiChoice {
		p.Votes[userID] = []int{option}
		return nil
	}
	for _, o := range p.Votes[userID] {
		if o == option {
			return nil
		}
	}
	p.Votes[userID] = append(p.Votes[userID], option)
	return nil
}

// RemoveVote withdraws userID's vote for option. Removing a vote that was
// never cast is not an error.
func (p *Poll) RemoveVote(userID string, option int) error {
	if !p.Active {
		return ErrPollEnded
	}
	if option < 0 || option >= len(p.Options) {
		return ErrInvalidOption
	}
	votes := p.Votes[userID]
	for i, o := range votes {
		if o == option {
			votes = append(votes[:i], votes[i+1:]...)
			break
		}
	}
	if len(votes) == 0 {
		delete(p.Votes, userID)
	} else {
		p.Votes[userID] = votes
	}
	return nil
}

// End flips the poll to its terminal state at now. Ending an already-ended
// poll is a no-op, so the scheduler and manual end converge on one shape.
func (p *Poll) End(now time.Time) {
	if !p.Active && p.EndedAt != nil {
		return
	}
	p.Active = false
	ended := now.UTC()
	p.EndedAt = &ended
}

// Tally returns vote counts per option plus the total number of votes.
func (p *Poll) Tally() (counts []int, total int) {
	counts = make([]int, len(p.Options))
	for _, options := range p.Votes {
		for _, o := range options {
			if o >= 0 && o < len(counts) {
				counts[o]++
				total++
			}
		}
	}
	return counts, total
}
