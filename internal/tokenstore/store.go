// Package tokenstore holds the current access token. The token refresh
// manager is its only writer; everything else reads.
package tokenstore

import (
	"sync"

	"expense-sync/internal/models"
)

// persister is the storage the token is written through to.
type persister interface {
	LoadToken() (models.AuthToken, error)
	SaveToken(tok models.AuthToken) error
	ClearToken() error
}

// Store caches the persisted token in memory.
type Store struct {
	mu     sync.RWMutex
	db     persister
	token  models.AuthToken
	loaded bool
}

// New returns a Store backed by db.
func New(db persister) *Store {
	return &Store{db: db}
}

// Get returns the current token and whether one is held.
func (s *Store) Get() (models.AuthToken, bool, error) {
	s.mu.RLock()
	if s.loaded {
		tok := s.token
		s.mu.RUnlock()
		return tok, !tok.IsZero(), nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		tok, err := s.db.LoadToken()
		if err != nil {
			return models.AuthToken{}, false, err
		}
		s.token = tok
		s.loaded = true
	}
	return s.token, !s.token.IsZero(), nil
}

// Set persists tok and makes it current.
func (s *Store) Set(tok models.AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.SaveToken(tok); err != nil {
		return err
	}
	s.token = tok
	s.loaded = true
	return nil
}

// Clear drops the current token.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.ClearToken(); err != nil {
		return err
	}
	s.token = models.AuthToken{}
	s.loaded = true
	return nil
}
