package models

import (
	"fmt"
	"strings"
	"time"
)

// TemporaryRole is a time-boxed role grant. Immutable once created: the only
// mutation is deletion, by the expiration scheduler or a manual removal.
// Keyed by guild/user/role composite in the temporary_roles collection.
type TemporaryRole struct {
	GuildID        string    `json:"guild_id"`
	UserID         string    `json:"user_id"`
	RoleID         string    `json:"role_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	NotifyOnExpiry bool      `json:"notify_on_expiry"`
	CreatedAt      time.Time `json:"created_at"`
}

// Key returns the composite collection key for the grant.
func (t *TemporaryRole) Key() string {
	return TemporaryRoleKey(t.GuildID, t.UserID, t.RoleID)
}

// Expired reports whether the grant's deadline has passed at now.
func (t *TemporaryRole) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TemporaryRoleKey builds the composite key for a grant.
func TemporaryRoleKey(guildID, userID, roleID string) string {
	return guildID + ":" + userID + ":" + roleID
}

// ParseTemporaryRoleKey splits a composite grant key back into its parts.
func ParseTemporaryRoleKey(key string) (guildID, userID, roleID string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed temporary role key: %q", key)
	}
	return parts[0], parts[1], parts[2], nil
}
