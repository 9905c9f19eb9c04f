package interfaces

import "context"

// RevokeResult describes the outcome of a role revocation.
type RevokeResult int

const (
	// RevokeOK means the role was removed from the member.
	RevokeOK RevokeResult = iota
	// RevokeNotFound means the guild, member or role no longer exists;
	// the revocation is vacuously satisfied.
	RevokeNotFound
	// RevokeForbidden means the bot lacks permission to manage the role.
	RevokeForbidden
)

// PollResult is the payload published to a poll's origin channel when the
// poll ends.
type PollResult struct {
	PollID   string
	Question string
	Options  []string
	// Counts holds the vote tally per option, aligned with Options.
	Counts []int
	Total  int
}

// Discord is the collaborator boundary for every side effect this core
// triggers. Implementations talk to the Discord REST API; tests substitute
// a fake.
type Discord interface {
	// RevokeRole removes roleID from userID in guildID with an audit reason.
	RevokeRole(ctx context.Context, guildID, userID, roleID, reason string) (RevokeResult, error)
	// NotifyUser sends a direct message. Best-effort: failures (e.g. DMs
	// disabled) are reported but never treated as fatal by callers.
	NotifyUser(ctx context.Context, userID, message string) error
	// PublishPollResult posts the poll outcome to its origin channel.
	// Best-effort like NotifyUser.
	PublishPollResult(ctx context.Context, channelID string, result PollResult) error
}
