package scheduler

import (
	"context"
	"fmt"

	"github.com/guildworks/guildcore/internal/common"
	"github.com/guildworks/guildcore/internal/interfaces"
	"github.com/guildworks/guildcore/internal/models"
)

// tempRoleStore is the slice of the storage manager the source needs.
type tempRoleStore interface {
	TemporaryRoles(ctx context.Context) []models.TemporaryRole
	RemoveTemporaryRole(ctx context.Context, guildID, userID, roleID string) bool
}

// TempRoleSource expires time-boxed role grants: revoke the role, optionally
// notify the member, and delete the grant record. The record is deleted even
// when the revoke fails, so a grant the bot lost permission over does not
// retry forever.
type TempRoleSource struct {
	store   tempRoleStore
	discord interfaces.Discord
	logger  *common.Logger
}

func NewTempRoleSource(store tempRoleStore, discord interfaces.Discord, logger *common.Logger) *TempRoleSource {
	return &TempRoleSource{store: store, discord: discord, logger: logger}
}

func (s *TempRoleSource) Name() string { return "temporary_roles" }

func (s *TempRoleSource) Entries(ctx context.Context) ([]Entry, error) {
	grants := s.store.TemporaryRoles(ctx)
	entries := make([]Entry, 0, len(grants))
	for _, g := range grants {
		entries = append(entries, Entry{
			Key:      g.Key(),
			Deadline: g.ExpiresAt,
			Payload:  g,
		})
	}
	return entries, nil
}

func (s *TempRoleSource) Expire(ctx context.Context, e Entry) error {
	grant, ok := e.Payload.(models.TemporaryRole)
	if !ok {
		return fmt.Errorf("unexpected payload %T for key %s", e.Payload, e.Key)
	}

	result, err := s.discord.RevokeRole(ctx, grant.GuildID, grant.UserID, grant.RoleID, "temporary role expired")
	switch {
	case err != nil:
		s.logger.Warn().
			Str("guild_id", grant.GuildID).
			Str("user_id", grant.UserID).
			Str("role_id", grant.RoleID).
			Err(err).
			Msg("role revoke failed, dropping grant record anyway")
	case result == interfaces.RevokeForbidden:
		s.logger.Warn().
			Str("guild_id", grant.GuildID).
			Str("role_id", grant.RoleID).
			Msg("missing permission to revoke role, dropping grant record")
	case result == interfaces.RevokeNotFound:
		// Member left or role already removed. Nothing to undo.
		s.logger.Debug().
			Str("guild_id", grant.GuildID).
			Str("user_id", grant.UserID).
			Msg("role or member gone before expiry")
	}

	if err == nil && result == interfaces.RevokeOK && grant.NotifyOnExpiry {
		msg := fmt.Sprintf("Your temporary role in this server has expired and was removed (role %s).", grant.RoleID)
		if nerr := s.discord.NotifyUser(ctx, grant.UserID, msg); nerr != nil {
			s.logger.Debug().
				Str("user_id", grant.UserID).
				Err(nerr).
				Msg("expiry notification failed")
		}
	}

	if !s.store.RemoveTemporaryRole(ctx, grant.GuildID, grant.UserID, grant.RoleID) {
		// Record still present, so the next pass retries the whole expiry.
		return fmt.Errorf("failed to delete grant record %s", e.Key)
	}
	return nil
}
