package session

import (
	"errors"
	"fmt"
	"sync"

	"expense-sync/internal/models"
)

// ErrNotRestored is returned by scoped reads before RestoreStoredSession ran.
var ErrNotRestored = errors.New("identity not restored")

type identityStore interface {
	LoadIdentity() (int64, bool, error)
	SaveIdentity(userID int64) error
	MigrateOrphans(userID int64) (int64, error)
}

// Identity scopes local-store access to the active user. It also remembers
// the last user persisted on this device, which outlives logout.
type Identity struct {
	db identityStore

	mu       sync.RWMutex
	userID   int64
	scoped   bool
	lastID   int64
	restored bool
}

// NewIdentity returns an Identity persisted through db.
func NewIdentity(db identityStore) *Identity {
	return &Identity{db: db}
}

// RestoreStoredSession loads the persisted user id, if any. It does not scope
// the running session; Resume does that once a live session is known. It is
// safe to call more than once; only the first successful call reads storage.
func (i *Identity) RestoreStoredSession() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.restored {
		return nil
	}

	userID, ok, err := i.db.LoadIdentity()
	if err != nil {
		return fmt.Errorf("restore identity: %w", err)
	}
	if ok && userID != models.OrphanOwnerID {
		i.lastID = userID
	}
	i.restored = true
	return nil
}

// Resume scopes the running session to the persisted user. It reports false
// when no user was ever persisted.
func (i *Identity) Resume() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.lastID == models.OrphanOwnerID {
		return false
	}
	i.userID = i.lastID
	i.scoped = true
	return true
}

// LastUserID returns the last user persisted on this device, or the orphan
// owner when nobody has logged in yet.
func (i *Identity) LastUserID() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastID
}

// Restored reports whether RestoreStoredSession has completed.
func (i *Identity) Restored() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.restored
}

// UpdateUserID scopes subsequent access to userID and persists it for offline restarts.
func (i *Identity) UpdateUserID(userID int64) error {
	if userID == models.OrphanOwnerID {
		return fmt.Errorf("update identity: user id %d is reserved", userID)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.db.SaveIdentity(userID); err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	i.userID = userID
	i.lastID = userID
	i.scoped = true
	i.restored = true
	return nil
}

// CurrentUserID returns the active user id and whether one is scoped.
func (i *Identity) CurrentUserID() (int64, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.userID, i.scoped
}

// OwnerForNewRecords returns the owner a record created now belongs to: the
// active user, else the last persisted user, else the orphan sentinel.
// Orphans are only ever created before any identity was established.
func (i *Identity) OwnerForNewRecords() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.scoped {
		return i.userID
	}
	return i.lastID
}

// ScopedUserID is CurrentUserID for callers that must not trust an
// unrestored identity.
func (i *Identity) ScopedUserID() (int64, bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.restored {
		return 0, false, ErrNotRestored
	}
	return i.userID, i.scoped, nil
}

// ClearCurrentSession stops scoping the running session. The persisted id is
// kept, so a restart without network still restores offline access.
func (i *Identity) ClearCurrentSession() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.userID = 0
	i.scoped = false
}

// MigrateOrphanedRecordsToCurrentUser re-owns sentinel-owned records to the
// active user and returns how many moved. Repeated calls return zero.
func (i *Identity) MigrateOrphanedRecordsToCurrentUser() (int64, error) {
	userID, ok := i.CurrentUserID()
	if !ok {
		return 0, nil
	}
	n, err := i.db.MigrateOrphans(userID)
	if err != nil {
		return 0, err
	}
	return n, nil
}
