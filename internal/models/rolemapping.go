package models

// ReactionRole binds one reaction trigger on a message to a role.
type ReactionRole struct {
	Emoji  string `json:"emoji"`
	RoleID string `json:"role_id"`
}

// RoleMapping is a reaction-role message: reacting with a listed emoji grants
// the paired role. Keyed by message ID in the role_mappings collection.
type RoleMapping struct {
	MessageID string         `json:"message_id"`
	GuildID   string         `json:"guild_id"`
	ChannelID string         `json:"channel_id"`
	Roles     []ReactionRole `json:"roles"`
}

// RoleFor returns the role bound to emoji, if any.
func (m *RoleMapping) RoleFor(emoji string) (string, bool) {
	for _, r := range m.Roles {
		if r.Emoji == emoji {
			return r.RoleID, true
		}
	}
	return "", false
}

// AddRole binds emoji to roleID, replacing an existing binding for the same
// emoji.
func (m *RoleMapping) AddRole(emoji, roleID string) {
	for i, r := range m.Roles {
		if r.Emoji == emoji {
			m.Roles[i].RoleID = roleID
			return
		}
	}
	m.Roles = append(m.Roles, ReactionRole{Emoji: emoji, RoleID: roleID})
}

// RemoveRole drops the binding for emoji. Returns false if no binding existed.
func (m *RoleMapping) RemoveRole(emoji string) bool {
	for i, r := range m.Roles {
		if r.Emoji == emoji {
			m.Roles = append(m.Roles[:i], m.Roles[i+1:]...)
			return true
		}
	}
	return false
}
