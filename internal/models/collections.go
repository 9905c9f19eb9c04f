// Package models defines the persisted document shapes for guildcore
// collections. Every type here is JSON-serializable; within one collection,
// keys are unique.
package models

// Collection names. Each is an independently persisted key->document map.
const (
	CollectionRoleMappings   = "role_mappings"
	CollectionTemporaryRoles = "temporary_roles"
	CollectionPolls          = "polls"
	CollectionUserExperience = "user_experience"
	CollectionCoreCredit     = "core_credit"
)

// DualHomedCollections are kept consistent between the file and database
// backends by the reconciliation sync.
var DualHomedCollections = []string{
	CollectionRoleMappings,
	CollectionTemporaryRoles,
	CollectionPolls,
	CollectionUserExperience,
	CollectionCoreCredit,
}
