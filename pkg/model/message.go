package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MessageMaxContentLength = 4000

var ErrMessageTooLong = fmt.Errorf("message content exceeds %d characters", MessageMaxContentLength)
var ErrMessageDeleted = errors.New("message is deleted")

// Message is a single channel message. Deleted messages keep their id,
// author and timestamp but carry empty content and refuse further edits
// and reactions.
type Message struct {
	ID        string                     `json:"id"`
	AuthorID  string                     `json:"author_id"`
	Timestamp int64                      `json:"timestamp"`
	Content   string                     `json:"content"`
	Edited    bool                       `json:"edited"`
	Deleted   bool                       `json:"deleted"`
	Reactions map[string]map[string]bool `json:"reactions,omitempty"` // emoji -> set of user ids
}

// NewMessage creates a message stamped with the current unix time.
// Empty content is valid; over-long content is not.
func NewMessage(authorID, content string) (*Message, error) {
	if utf8.RuneCountInString(content) > MessageMaxContentLength {
		return nil, ErrMessageTooLong
	}
	return &Message{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Timestamp: time.Now().Unix(),
		Content:   content,
	}, nil
}

// Edit replaces the content and sets the edited flag.
func (m *Message) Edit(content string) error {
	if m.Deleted {
		return ErrMessageDeleted
	}
	if utf8.RuneCountInString(content) > MessageMaxContentLength {
		return ErrMessageTooLong
	}
	m.Content = content
	m.Edited = true
	return nil
}

// Delete soft-deletes the message, blanking its content.
func (m *Message) Delete() error {
	if m.Deleted {
		return ErrMessageDeleted
	}
	m.Deleted = true
	m.Content = ""
	return nil
}

// AddReaction records a user's reaction under an emoji. Reacting twice
// with the same emoji is a no-op.
func (m *Message) AddReaction(userID, emoji string) error {
	if m.Deleted {
		return ErrMessageDeleted
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]map[string]bool)
	}
	if m.Reactions[emoji] == nil {
		m.Reactions[emoji] = make(map[string]bool)
	}
	m.Reactions[emoji][userID] = true
	return nil
}

// RemoveReaction removes a user's reaction. The emoji key is dropped
// entirely once its reactor set empties. The bool result reports whether
// a reaction was actually removed; asking to remove one that was never
// recorded is a no-op.
func (m *Message) RemoveReaction(userID, emoji string) (bool, error) {
	if m.Deleted {
		return false, ErrMessageDeleted
	}
	reactors, ok := m.Reactions[emoji]
	if !ok || !reactors[userID] {
		return false, nil
	}
	delete(reactors, userID)
	if len(reactors) == 0 {
		delete(m.Reactions, emoji)
	}
	return true, nil
}
