package models

import (
	"errors"
	"time"
)

// ErrInsufficientCredit is returned when a spend would take a credit balance
// below zero.
var ErrInsufficientCredit = errors.New("insufficient credit")

// UserXP tracks a member's accumulated experience in one guild. Keyed by
// guild/user composite in the user_experience collection.
type UserXP struct {
	GuildID   string    `json:"guild_id"`
	UserID    string    `json:"user_id"`
	XP        int64     `json:"xp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the composite collection key for the record.
func (u *UserXP) Key() string {
	return UserXPKey(u.GuildID, u.UserID)
}

// UserXPKey builds the composite key for an experience record.
func UserXPKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// CreditAccount tracks a user's balance for the AI chat pipeline. Keyed by
// user ID in the core_credit collection. Writes to this collection are
// correctness-critical: callers must check the write result.
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spend deducts amount from the balance, failing without mutation when funds
// are insufficient.
func (a *CreditAccount) Spend(amount int64, now time.Time) error {
	if amount > a.Balance {
		return ErrInsufficientCredit
	}
	a.Balance -= amount
	a.UpdatedAt = now.UTC()
	return nil
}

// Add credits amount to the balance.
func (a *CreditAccount) Add(amount int64, now time.Time) {
	a.Balance += amount
	a.UpdatedAt = now.UTC()
}
