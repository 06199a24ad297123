// Package datastore persists channels, messages and users. The engine
// treats it as best-effort: save failures are logged by callers and never
// roll back in-memory state.
package datastore

import "github.com/parley-chat/parley/pkg/model"

// DataStore defines the persistence contract. The default implementation
// is SQLite; MemoryStore backs tests.
type DataStore interface {
	ChannelReadProvider
	ChannelWriteProvider
	MessageReadProvider
	MessageWriteProvider
	UserReadProvider
	UserWriteProvider

	Close() error
}

type ChannelReadProvider interface {
	// LoadChannels returns channel metadata (no messages) for a server id.
	LoadChannels(serverID string) ([]model.Channel, error)
}

type ChannelWriteProvider interface {
	// SaveChannel inserts or updates a channel row.
	SaveChannel(serverID string, ch *model.Channel) error
	// DeleteChannel removes a channel and all of its messages.
	DeleteChannel(channelID string) error
}

type MessageReadProvider interface {
	// LoadMessages returns a channel's messages in timestamp order,
	// insertion order breaking ties.
	LoadMessages(channelID string) ([]model.Message, error)
}

type MessageWriteProvider interface {
	// SaveMessage inserts or updates a message row, reactions included.
	SaveMessage(channelID string, msg *model.Message) error
}

type UserReadProvider interface {
	LoadUsers(serverID string) ([]model.User, error)
	GetUserByUsername(serverID, username string) (*model.User, error)
}

type UserWriteProvider interface {
	SaveUser(serverID string, u *model.User) error
}

// Compile-time checks.
var _ DataStore = (*Store)(nil)
var _ DataStore = (*MemoryStore)(nil)
