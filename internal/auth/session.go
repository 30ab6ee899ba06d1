// Package auth holds the credentials of the signed-in user.
package auth

import (
	"sync"

	"github.com/omochice/donut-chat/internal/chat"
)

// State is the authentication state: an opaque bearer token and the id of
// the user it belongs to (zero when unknown).
type State struct {
	Token  string
	UserID int64
}

// Authenticated reports whether a token is present.
func (s State) Authenticated() bool {
	return s.Token != ""
}

// Session is the explicit auth session handed to the REST fetcher and the
// cable client at construction. It is safe for concurrent use.
type Session struct {
	mu    sync.RWMutex
	state State
}

// NewSession creates a Session with the given initial state.
func NewSession(state State) *Session {
	return &Session{state: state}
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Token returns the bearer token or chat.ErrUnauthenticated.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Token == "" {
		return "", chat.ErrUnauthenticated
	}
	return s.state.Token, nil
}

// SetUserID records the id of the signed-in user.
func (s *Session) SetUserID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.UserID = id
}

// Replace swaps the whole state, e.g. after signing in again.
func (s *Session) Replace(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
