// Package session tracks who is logged in. Sessions have no expiry of their
// own; they last until an explicit or forced logout.
package session

import (
	"fmt"
	"sync"
	"time"

	"expense-sync/internal/models"
)

type sessionStore interface {
	LoadSession() (models.Session, error)
	SaveSession(s models.Session) error
}

// Manager holds the active session and its cached display fields.
type Manager struct {
	db  sessionStore
	now func() time.Time

	mu      sync.RWMutex
	current models.Session
}

// NewManager returns a Manager persisted through db.
func NewManager(db sessionStore) *Manager {
	return &Manager{db: db, now: time.Now}
}

// Restore reloads the persisted session.
func (m *Manager) Restore() error {
	s, err := m.db.LoadSession()
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	return nil
}

// StartSession marks user as logged in and caches the fields shown offline.
func (m *Manager) StartSession(user models.UserProfile) error {
	now := m.now()
	s := models.Session{
		UserID:       user.ID,
		DisplayName:  user.Name,
		Email:        user.Email,
		Active:       true,
		StartedAt:    now,
		LastActivity: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.SaveSession(s); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	m.current = s
	return nil
}

// EndSession marks the session inactive. Cached display fields are kept.
func (m *Manager) EndSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.current
	s.Active = false
	if err := m.db.SaveSession(s); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	m.current = s
	return nil
}

// Touch records user activity on an active session.
func (m *Manager) Touch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.Active {
		return nil
	}
	s := m.current
	s.LastActivity = m.now()
	if err := m.db.SaveSession(s); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	m.current = s
	return nil
}

// IsActive reports whether a user session is active.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Active
}

// Current returns the cached session.
func (m *Manager) Current() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
