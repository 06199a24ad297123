package server

import (
	"sync"

	"github.com/parley-chat/parley/pkg/crypto"
)

// Session binds an opaque token to a user identity for the lifetime of
// one connection. A user may hold several concurrent sessions, each with
// its own token and connection.
type Session struct {
	Token    string
	UserID   string
	Username string
}

// SessionManager manages active sessions, keyed by token.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session // token -> session
	byUser   map[string]int      // user id -> live session count
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]int),
	}
}

// Create issues a fresh token for an authenticated user.
func (sm *SessionManager) Create(userID, username string) (*Session, error) {
	token, err := crypto.GenerateToken()
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess := &Session{Token: token, UserID: userID, Username: username}
	sm.sessions[token] = sess
	sm.byUser[userID]++
	return sess, nil
}

// Get resolves a token to its session, or nil.
func (sm *SessionManager) Get(token string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[token]
}

// Remove invalidates a token. Removing an unknown token is a no-op.
// It returns true when this was the user's last live session.
func (sm *SessionManager) Remove(token string) (lastForUser bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess, ok := sm.sessions[token]
	if !ok {
		return false
	}
	delete(sm.sessions, token)
	sm.byUser[sess.UserID]--
	if sm.byUser[sess.UserID] <= 0 {
		delete(sm.byUser, sess.UserID)
		return true
	}
	return false
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CountForUser returns the number of live sessions held by a user.
func (sm *SessionManager) CountForUser(userID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.byUser[userID]
}
