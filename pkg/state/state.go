// Package state owns the in-memory community aggregate and serializes all
// access to it. Every read-modify-write against channels, messages and
// voice membership goes through one State instance guarded by a single
// lock; callers never touch the aggregate directly. No I/O happens while
// the lock is held.
package state

import (
	"errors"
	"net"
	"sort"
	"sync"

	"github.com/parley-chat/parley/pkg/model"
)

var ErrChannelNotFound = errors.New("state: channel not found")
var ErrMessageNotFound = errors.New("state: message not found")
var ErrUserNotFound = errors.New("state: user not found")

// State is the synchronized owner of one community.
type State struct {
	mu        sync.RWMutex
	community *model.Community
}

// New wraps a community. The caller must not retain other references to it.
func New(community *model.Community) *State {
	return &State{community: community}
}

// CommunityID returns the root aggregate's id.
func (s *State) CommunityID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.community.ID
}

// AddUser registers a user (bootstrap and rehydration path).
func (s *State) AddUser(u *model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.community.AddMember(u)
}

// AddRole registers a role (bootstrap path).
func (s *State) AddRole(r *model.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.community.AddRole(r)
}

// AddChannel registers a fully built channel (rehydration path).
func (s *State) AddChannel(ch *model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.community.AddChannel(ch)
}

// AssignRole attaches a role to a user. Unknown users are a no-op.
func (s *State) AssignRole(userID, roleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.community.Members[userID]; ok {
		u.AssignRole(roleID)
	}
}

// Credentials returns the id and password hash for a username, for the
// session gate to verify. The lookup is case-sensitive.
func (s *State) Credentials(username string) (userID, passwordHash string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u := s.community.MemberByUsername(username)
	if u == nil {
		return "", "", false
	}
	return u.ID, u.PasswordHash, true
}

// SetPresence updates a user's presence status.
func (s *State) SetPresence(userID string, p model.Presence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.community.Members[userID]; ok {
		u.Presence = p
	}
}

// HasPermission runs the community's flat permission check.
func (s *State) HasPermission(userID string, perm model.Permission) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.community.HasPermission(userID, perm)
}

// CreateChannel adds a new channel and returns a copy of it.
func (s *State) CreateChannel(name string, chType model.ChannelType) (model.Channel, error) {
	ch := model.NewChannel(name, chType)
	if err := ch.Validate(); err != nil {
		return model.Channel{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.community.AddChannel(ch)
	return copyChannelMeta(ch), nil
}

// RenameChannel updates a channel's name.
func (s *State) RenameChannel(channelID, name string) (model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.community.GetChannel(channelID)
	if ch == nil {
		return model.Channel{}, ErrChannelNotFound
	}
	renamed := *ch
	renamed.Name = name
	if err := renamed.Validate(); err != nil {
		return model.Channel{}, err
	}
	ch.Name = name
	return copyChannelMeta(ch), nil
}

// Channel returns a copy of a channel's identifying fields.
func (s *State) Channel(channelID string) (model.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch := s.community.GetChannel(channelID)
	if ch == nil {
		return model.Channel{}, false
	}
	return copyChannelMeta(ch), true
}

// DeleteChannel removes a channel and its message log.
func (s *State) DeleteChannel(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.community.GetChannel(channelID) == nil {
		return ErrChannelNotFound
	}
	delete(s.community.Channels, channelID)
	return nil
}

// AppendMessage appends a message to a channel and returns a copy.
// Timestamps never decrease within a channel: a clock that reads earlier
// than the channel's tail is clamped to the tail.
func (s *State) AppendMessage(channelID, authorID, content string) (model.Message, error) {
	msg, err := model.NewMessage(authorID, content)
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.community.GetChannel(channelID)
	if ch == nil {
		return model.Message{}, ErrChannelNotFound
	}
	if n := len(ch.Messages); n > 0 && ch.Messages[n-1].Timestamp > msg.Timestamp {
		msg.Timestamp = ch.Messages[n-1].Timestamp
	}
	ch.AddMessage(msg)
	return copyMessage(msg), nil
}

// EditMessage replaces a message's content and sets its edited flag.
func (s *State) EditMessage(channelID, messageID, content string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.findMessage(channelID, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if err := msg.Edit(content); err != nil {
		return model.Message{}, err
	}
	return copyMessage(msg), nil
}

// SoftDeleteMessage blanks a message's content and marks it deleted.
func (s *State) SoftDeleteMessage(channelID, messageID string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.findMessage(channelID, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if err := msg.Delete(); err != nil {
		return model.Message{}, err
	}
	return copyMessage(msg), nil
}

// AddReaction records a reaction on a message.
func (s *State) AddReaction(channelID, messageID, userID, emoji string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.findMessage(channelID, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if err := msg.AddReaction(userID, emoji); err != nil {
		return model.Message{}, err
	}
	return copyMessage(msg), nil
}

// RemoveReaction removes a reaction from a message. The bool result is
// false when the user had no such reaction and nothing changed.
func (s *State) RemoveReaction(channelID, messageID, userID, emoji string) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.findMessage(channelID, messageID)
	if err != nil {
		return model.Message{}, false, err
	}
	removed, err := msg.RemoveReaction(userID, emoji)
	if err != nil {
		return model.Message{}, false, err
	}
	return copyMessage(msg), removed, nil
}

// JoinVoice registers a voice participant address for a channel. A user
// is in at most one voice channel: joining moves them out of any other
// channel in the same step, and a join that fails leaves their existing
// membership untouched.
func (s *State) JoinVoice(channelID, userID string, addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.community.GetChannel(channelID)
	if target == nil {
		return ErrChannelNotFound
	}
	for _, ch := range s.community.Channels {
		if ch != target {
			ch.LeaveVoice(userID)
		}
	}
	target.JoinVoice(userID, addr)
	return nil
}

// LeaveVoice removes a voice participant from one channel.
func (s *State) LeaveVoice(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch := s.community.GetChannel(channelID); ch != nil {
		ch.LeaveVoice(userID)
	}
}

// DropVoice removes a user's voice participant records from every channel.
// Called on connection teardown.
func (s *State) DropVoice(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.community.Channels {
		ch.LeaveVoice(userID)
	}
}

// VoicePeers resolves a datagram source address to the other participants
// of the sender's voice channel. The bool result is false when the source
// is not a registered participant anywhere.
func (s *State) VoicePeers(src *net.UDPAddr) ([]*net.UDPAddr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.community.Channels {
		sender := ""
		for userID, addr := range ch.Voice {
			if addr.Port == src.Port && addr.IP.Equal(src.IP) {
				sender = userID
				break
			}
		}
		if sender == "" {
			continue
		}
		peers := make([]*net.UDPAddr, 0, len(ch.Voice)-1)
		for userID, addr := range ch.Voice {
			if userID == sender {
				continue
			}
			peers = append(peers, &net.UDPAddr{IP: addr.IP, Port: addr.Port})
		}
		return peers, true
	}
	return nil, false
}

// Snapshot returns a deep copy of every channel with its full message
// history, ordered by timestamp, for the post-auth state dump.
func (s *State) Snapshot() []model.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]model.Channel, 0, len(s.community.Channels))
	for _, ch := range s.community.Channels {
		cp := copyChannelMeta(ch)
		cp.Messages = make([]*model.Message, len(ch.Messages))
		for i, m := range ch.Messages {
			mc := copyMessage(m)
			cp.Messages[i] = &mc
		}
		channels = append(channels, cp)
	}
	sortChannels(channels)
	return channels
}

// findMessage locates a live message. Callers hold the write lock.
func (s *State) findMessage(channelID, messageID string) (*model.Message, error) {
	ch := s.community.GetChannel(channelID)
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	msg := ch.FindMessage(messageID)
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// copyChannelMeta copies a channel's identifying fields, without messages
// or voice membership.
func copyChannelMeta(ch *model.Channel) model.Channel {
	return model.Channel{ID: ch.ID, Name: ch.Name, Type: ch.Type}
}

// copyMessage deep-copies a message including its reaction sets.
func copyMessage(m *model.Message) model.Message {
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = make(map[string]map[string]bool, len(m.Reactions))
		for emoji, reactors := range m.Reactions {
			set := make(map[string]bool, len(reactors))
			for id := range reactors {
				set[id] = true
			}
			cp.Reactions[emoji] = set
		}
	}
	return cp
}

// sortChannels orders snapshot channels by name then id so snapshots are
// stable across calls.
func sortChannels(channels []model.Channel) {
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].Name != channels[j].Name {
			return channels[i].Name < channels[j].Name
		}
		return channels[i].ID < channels[j].ID
	})
}
