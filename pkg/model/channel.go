package model

import (
	"errors"
	"net"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const MaxChannelNameLength = 64

var ErrChannelNameEmpty = errors.New("channel name must not be empty")
var ErrChannelNameTooLong = errors.New("channel name too long")
var ErrUnknownChannelType = errors.New("unknown channel type")

// ChannelType distinguishes text channels from voice channels.
type ChannelType int

const (
	ChannelText ChannelType = iota
	ChannelVoice
)

func (t ChannelType) String() string {
	if t == ChannelVoice {
		return "VOICE"
	}
	return "TEXT"
}

// ParseChannelType converts the wire literal "TEXT" or "VOICE".
func ParseChannelType(s string) (ChannelType, error) {
	switch s {
	case "TEXT":
		return ChannelText, nil
	case "VOICE":
		return ChannelVoice, nil
	default:
		return 0, ErrUnknownChannelType
	}
}

// Channel is a named text or voice space. Both kinds carry a message log
// (voice channels use it as a text sidebar); only voice participation is
// specific to voice channels.
type Channel struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
	Messages []*Message  `json:"messages"` // insertion order, non-decreasing timestamps

	// Voice maps user id -> UDP address of active voice participants.
	Voice map[string]*net.UDPAddr `json:"-"`

	// Overrides holds per-role permission overrides for this channel.
	Overrides map[string]map[Permission]bool `json:"-"`
}

// NewChannel creates a channel with a fresh ID.
func NewChannel(name string, chType ChannelType) *Channel {
	return &Channel{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      chType,
		Voice:     make(map[string]*net.UDPAddr),
		Overrides: make(map[string]map[Permission]bool),
	}
}

// Validate checks channel fields.
func (ch *Channel) Validate() error {
	if strings.TrimSpace(ch.Name) == "" {
		return ErrChannelNameEmpty
	}
	if utf8.RuneCountInString(ch.Name) > MaxChannelNameLength {
		return ErrChannelNameTooLong
	}
	if ch.Type != ChannelText && ch.Type != ChannelVoice {
		return ErrUnknownChannelType
	}
	return nil
}

// AddMessage appends a message to the log.
func (ch *Channel) AddMessage(msg *Message) {
	ch.Messages = append(ch.Messages, msg)
}

// FindMessage returns the message with the given id, or nil.
func (ch *Channel) FindMessage(messageID string) *Message {
	for _, m := range ch.Messages {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// JoinVoice registers a voice participant. A user already present is
// re-registered at the new address, never at two addresses at once.
func (ch *Channel) JoinVoice(userID string, addr *net.UDPAddr) {
	if ch.Voice == nil {
		ch.Voice = make(map[string]*net.UDPAddr)
	}
	ch.Voice[userID] = addr
}

// LeaveVoice removes a voice participant. Unknown users are a no-op.
func (ch *Channel) LeaveVoice(userID string) {
	delete(ch.Voice, userID)
}
