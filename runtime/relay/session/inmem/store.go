// Package inmem provides an in-memory session.Store for tests and local
// development. Records do not survive a restart.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/relay/runtime/relay/session"
)

// Store implements session.Store in memory.
type Store struct {
	mu     sync.Mutex
	users  map[string]session.UserSession
	writes int
}

// New returns an empty store.
func New() *Store {
	return &Store{users: make(map[string]session.UserSession)}
}

// Load implements session.Store.
func (s *Store) Load(_ context.Context, userID string) (session.UserSession, error) {
	if userID == "" {
		return session.UserSession{}, errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return session.UserSession{}, session.ErrUserNotFound
	}
	return u, nil
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, u session.UserSession) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	s.writes++
	return nil
}

// Writes returns the number of successful Save calls.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
