// Package model defines the core domain types for Parley.
package model

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")

// Presence is a user's presence status.
type Presence int

const (
	PresenceOffline Presence = iota
	PresenceOnline
	PresenceIdle
	PresenceDND
)

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceIdle:
		return "idle"
	case PresenceDND:
		return "dnd"
	default:
		return "offline"
	}
}

// User represents a registered community member. Users are never removed
// from the community; presence tracks their soft lifecycle.
type User struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Presence     Presence `json:"presence"`
	RoleIDs      map[string]bool `json:"-"`
}

// NewUser creates a user with a fresh ID and offline presence.
func NewUser(username, passwordHash string) *User {
	return &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		Presence:     PresenceOffline,
		RoleIDs:      make(map[string]bool),
	}
}

// AssignRole adds a role id to the user.
func (u *User) AssignRole(roleID string) {
	if u.RoleIDs == nil {
		u.RoleIDs = make(map[string]bool)
	}
	u.RoleIDs[roleID] = true
}

// RemoveRole removes a role id from the user.
func (u *User) RemoveRole(roleID string) {
	delete(u.RoleIDs, roleID)
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}
