// Package repository is the facade the UI talks to. Every mutation lands in
// the local store before it returns and then nudges the sync engine; reads
// never touch the network.
package repository

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"expense-sync/internal/models"
	"expense-sync/internal/storage"

	"github.com/google/uuid"
)

// ErrOwnerMismatch is returned when an update tries to move a record to another user.
var ErrOwnerMismatch = errors.New("record belongs to another user")

type recordStore interface {
	Put(r *models.ExpenseRecord) error
	Get(localID string) (*models.ExpenseRecord, error)
	Delete(localID string) error
	Records(ownerUserID int64) iter.Seq2[models.ExpenseRecord, error]
	OnChange(fn func(ownerUserID int64))
}

type ownerScope interface {
	OwnerForNewRecords() int64
}

type syncTrigger interface {
	TriggerUploadSync()
}

// Repository composes the local store, the identity scope and the sync trigger.
type Repository struct {
	db       recordStore
	identity ownerScope
	sync     syncTrigger
	log      *slog.Logger

	mu   sync.Mutex
	subs map[int64]map[*Subscription]struct{}

	// publishMu keeps snapshots for one owner from overtaking each other.
	publishMu sync.Mutex
}

// New returns a Repository and registers it for store change notifications.
func New(db recordStore, identity ownerScope, trigger syncTrigger, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &Repository{
		db:       db,
		identity: identity,
		sync:     trigger,
		log:      logger.With("component", "repository"),
		subs:     make(map[int64]map[*Subscription]struct{}),
	}
	db.OnChange(r.publish)
	return r
}

// Add stores a new record for the current owner and schedules its upload.
// A missing LocalID is generated.
func (r *Repository) Add(rec models.ExpenseRecord) (*models.ExpenseRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.LocalID == "" {
		rec.LocalID = uuid.NewString()
	}
	rec.OwnerUserID = r.identity.OwnerForNewRecords()
	rec.RemoteID = nil

	if err := r.db.Put(&rec); err != nil {
		return nil, fmt.Errorf("add expense: %w", err)
	}
	r.sync.TriggerUploadSync()
	return &rec, nil
}

// Update replaces the user fields of an existing record and schedules its upload.
func (r *Repository) Update(rec models.ExpenseRecord) (*models.ExpenseRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	existing, err := r.Get(rec.LocalID)
	if err != nil {
		return nil, fmt.Errorf("update expense: %w", err)
	}
	if rec.OwnerUserID != existing.OwnerUserID && rec.OwnerUserID != models.OrphanOwnerID {
		return nil, fmt.Errorf("update expense %s: %w", rec.LocalID, ErrOwnerMismatch)
	}
	rec.OwnerUserID = existing.OwnerUserID
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = timeNow()

	if err := r.db.Put(&rec); err != nil {
		return nil, fmt.Errorf("update expense: %w", err)
	}
	r.sync.TriggerUploadSync()
	return &rec, nil
}

// Get returns one live record. Deleted records are not found.
func (r *Repository) Get(localID string) (*models.ExpenseRecord, error) {
	rec, err := r.db.Get(localID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, fmt.Errorf("expense %s: %w", localID, storage.ErrNotFound)
	}
	return rec, nil
}

// Delete removes a record locally and schedules the remote deletion.
func (r *Repository) Delete(localID string) error {
	if err := r.db.Delete(localID); err != nil {
		return err
	}
	r.sync.TriggerUploadSync()
	return nil
}

// DeleteMany deletes every record in localIDs and triggers one sync.
// Records that fail are reported together; the rest are still deleted.
func (r *Repository) DeleteMany(localIDs []string) error {
	var errs []error
	deleted := 0
	for _, id := range localIDs {
		if err := r.db.Delete(id); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		r.sync.TriggerUploadSync()
	}
	return errors.Join(errs...)
}

// Observe returns the live records of ownerUserID, newest first. The
// sequence is lazy and can be ranged over again for a fresh read.
func (r *Repository) Observe(ownerUserID int64) iter.Seq2[models.ExpenseRecord, error] {
	return r.db.Records(ownerUserID)
}

// List returns the live records of ownerUserID as a finished slice.
func (r *Repository) List(ownerUserID int64) ([]models.ExpenseRecord, error) {
	records := []models.ExpenseRecord{}
	for rec, err := range r.db.Records(ownerUserID) {
		if err != nil {
			return nil, fmt.Errorf("list expenses: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
