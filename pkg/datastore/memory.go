package datastore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/parley-chat/parley/pkg/model"
)

// MemoryStore is an in-memory DataStore for tests. It mirrors the SQLite
// store's validation and copy semantics.
type MemoryStore struct {
	mu sync.RWMutex

	channels map[string]memoryChannel          // channel id -> row
	messages map[string][]model.Message        // channel id -> ordered rows
	users    map[string]map[string]*model.User // server id -> username -> user

	insertSeq int
}

type memoryChannel struct {
	serverID string
	channel  model.Channel
	seq      int
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]memoryChannel),
		messages: make(map[string][]model.Message),
		users:    make(map[string]map[string]*model.User),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// SaveChannel inserts or updates a channel.
func (s *MemoryStore) SaveChannel(serverID string, ch *model.Channel) error {
	if err := ch.Validate(); err != nil {
		return fmt.Errorf("datastore: save channel: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.insertSeq
	if existing, ok := s.channels[ch.ID]; ok {
		seq = existing.seq
	} else {
		s.insertSeq++
	}
	s.channels[ch.ID] = memoryChannel{
		serverID: serverID,
		channel:  model.Channel{ID: ch.ID, Name: ch.Name, Type: ch.Type},
		seq:      seq,
	}
	return nil
}

// DeleteChannel removes a channel and its messages.
func (s *MemoryStore) DeleteChannel(channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
	delete(s.messages, channelID)
	return nil
}

// LoadChannels returns channel metadata in insertion order.
func (s *MemoryStore) LoadChannels(serverID string) ([]model.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]memoryChannel, 0)
	for _, row := range s.channels {
		if row.serverID == serverID {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	channels := make([]model.Channel, len(rows))
	for i, row := range rows {
		channels[i] = row.channel
	}
	return channels, nil
}

// SaveMessage inserts or updates a message.
func (s *MemoryStore) SaveMessage(channelID string, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyStoredMessage(*msg)
	rows := s.messages[channelID]
	for i, existing := range rows {
		if existing.ID == msg.ID {
			rows[i] = cp
			return nil
		}
	}
	s.messages[channelID] = append(rows, cp)
	return nil
}

// LoadMessages returns messages in timestamp order, insertion breaking ties.
func (s *MemoryStore) LoadMessages(channelID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.messages[channelID]
	out := make([]model.Message, len(rows))
	for i, m := range rows {
		out[i] = copyStoredMessage(m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// SaveUser inserts or updates a user.
func (s *MemoryStore) SaveUser(serverID string, u *model.User) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return fmt.Errorf("datastore: save user: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users[serverID] == nil {
		s.users[serverID] = make(map[string]*model.User)
	}
	cp := copyStoredUser(*u)
	s.users[serverID][u.Username] = &cp
	return nil
}

// LoadUsers returns all users of a server.
func (s *MemoryStore) LoadUsers(serverID string) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []model.User
	for _, u := range s.users[serverID] {
		users = append(users, copyStoredUser(*u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// GetUserByUsername returns a user by exact username, or nil.
func (s *MemoryStore) GetUserByUsername(serverID, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[serverID][username]
	if !ok {
		return nil, nil
	}
	cp := copyStoredUser(*u)
	return &cp, nil
}

func copyStoredUser(u model.User) model.User {
	cp := u
	if u.RoleIDs != nil {
		cp.RoleIDs = make(map[string]bool, len(u.RoleIDs))
		for id := range u.RoleIDs {
			cp.RoleIDs[id] = true
		}
	}
	return cp
}

func copyStoredMessage(m model.Message) model.Message {
	cp := m
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
