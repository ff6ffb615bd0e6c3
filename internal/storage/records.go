package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"expense-sync/internal/models"
)

const recordColumns = `local_id, remote_id, owner_user_id, description, amount, date, category_id,
	sync_status, pending_op, deleted, mutation_seq, last_error, created_at, updated_at`

// nextSeq is evaluated inside the mutating statement, so the sequence bump is
// atomic with the write it orders. The bare MAX subquery is answered from
// idx_expenses_mutation_seq without a scan.
const nextSeq = `(SELECT COALESCE((SELECT MAX(mutation_seq) FROM expenses), 0) + 1)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (models.ExpenseRecord, error) {
	var (
		r          models.ExpenseRecord
		remoteID   sql.NullInt64
		categoryID sql.NullInt64
		status     string
		op         string
	)
	err := s.Scan(&r.LocalID, &remoteID, &r.OwnerUserID, &r.Description, &r.Amount, &r.Date, &categoryID,
		&status, &op, &r.Deleted, &r.MutationSeq, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.ExpenseRecord{}, err
	}
	r.RemoteID = fromNullInt(remoteID)
	r.CategoryID = fromNullInt(categoryID)
	r.SyncStatus = models.SyncStatus(status)
	r.PendingOp = models.PendingOp(op)
	return r, nil
}

// Put upserts the user-editable fields of r by LocalID and marks it Pending.
// The pending operation is derived from the stored remote id, so a remote id
// written back by the sync engine is never lost to a concurrent edit. The
// owner of an existing record is never changed. On return r carries the
// stored sync fields.
func (db *DB) Put(r *models.ExpenseRecord) error {
	if r.LocalID == "" {
		return fmt.Errorf("put expense: %w", models.ErrInvalidRecord)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	var (
		remoteID sql.NullInt64
		status   string
		op       string
	)
	err := db.conn.QueryRow(`
		INSERT INTO expenses (local_id, remote_id, owner_user_id, description, amount, date, category_id,
			sync_status, pending_op, deleted, mutation_seq, last_error, created_at, updated_at)
		VALUES (?, NULL, ?, ?, ?, ?, ?, 'pending', 'create', 0, `+nextSeq+`, '', ?, ?)
		ON CONFLICT (local_id) DO UPDATE SET
			description = excluded.description,
			amount = excluded.amount,
			date = excluded.date,
			category_id = excluded.category_id,
			sync_status = 'pending',
			pending_op = CASE WHEN expenses.remote_id IS NULL THEN 'create' ELSE 'update' END,
			mutation_seq = excluded.mutation_seq,
			last_error = '',
			updated_at = excluded.updated_at
		WHERE expenses.deleted = 0
		RETURNING remote_id, owner_user_id, sync_status, pending_op, mutation_seq`,
		r.LocalID, r.OwnerUserID, r.Description, r.Amount, r.Date.UTC(), toNullInt(r.CategoryID),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	).Scan(&remoteID, &r.OwnerUserID, &status, &op, &r.MutationSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("put expense %s: %w", r.LocalID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("put expense %s: %w", r.LocalID, err)
	}
	r.RemoteID = fromNullInt(remoteID)
	r.SyncStatus = models.SyncStatus(status)
	r.PendingOp = models.PendingOp(op)
	r.Deleted = false
	r.LastError = ""

	db.notify(r.OwnerUserID)
	return nil
}

// Get retrieves a single record by local id, tombstones included.
func (db *DB) Get(localID string) (*models.ExpenseRecord, error) {
	row := db.conn.QueryRow("SELECT "+recordColumns+" FROM expenses WHERE local_id = ?", localID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("expense %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("expense %s: %w", localID, err)
	}
	return &r, nil
}

// Delete turns the record into a tombstone awaiting remote confirmation.
// The tombstone is hidden from Records and removed by Purge.
func (db *DB) Delete(localID string) error {
	var owner int64
	err := db.conn.QueryRow(`
		UPDATE expenses SET
			deleted = 1,
			sync_status = 'pending',
			pending_op = 'delete',
			last_error = '',
			mutation_seq = `+nextSeq+`,
			updated_at = ?
		WHERE local_id = ? AND deleted = 0
		RETURNING owner_user_id`,
		time.Now().UTC(), localID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete expense %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete expense %s: %w", localID, err)
	}
	db.notify(owner)
	return nil
}

// Records returns the live records of ownerUserID, newest date first.
// Rows are fetched lazily in pages and no connection is held while the
// caller consumes a page. Ranging over the sequence again restarts it.
func (db *DB) Records(ownerUserID int64) iter.Seq2[models.ExpenseRecord, error] {
	return func(yield func(models.ExpenseRecord, error) bool) {
		var cursor *models.ExpenseRecord
		for {
			page, err := db.recordsPage(ownerUserID, cursor)
			if err != nil {
				yield(models.ExpenseRecord{}, err)
				return
			}
			for _, r := range page {
				if !yield(r, nil) {
					return
				}
			}
			if len(page) < db.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &last
		}
	}
}

func (db *DB) recordsPage(ownerUserID int64, after *models.ExpenseRecord) ([]models.ExpenseRecord, error) {
	query := "SELECT " + recordColumns + " FROM expenses WHERE owner_user_id = ? AND deleted = 0"
	args := []any{ownerUserID}
	if after != nil {
		query += " AND (date < ? OR (date = ? AND local_id < ?))"
		args = append(args, after.Date.UTC(), after.Date.UTC(), after.LocalID)
	}
	query += " ORDER BY date DESC, local_id DESC LIMIT ?"
	args = append(args, db.pageSize)

	return db.queryRecords(query, args...)
}

// FindPending returns the records of ownerUserID waiting for upload,
// oldest local mutation first.
func (db *DB) FindPending(ownerUserID int64) ([]models.ExpenseRecord, error) {
	return db.queryRecords(
		"SELECT "+recordColumns+` FROM expenses
		WHERE owner_user_id = ? AND sync_status = 'pending'
		ORDER BY mutation_seq ASC`,
		ownerUserID,
	)
}

// FindSynced returns the confirmed live records of ownerUserID.
func (db *DB) FindSynced(ownerUserID int64) ([]models.ExpenseRecord, error) {
	return db.queryRecords(
		"SELECT "+recordColumns+` FROM expenses
		WHERE owner_user_id = ? AND sync_status = 'synced' AND deleted = 0
		ORDER BY mutation_seq ASC`,
		ownerUserID,
	)
}

func (db *DB) queryRecords(query string, args ...any) ([]models.ExpenseRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ExpenseRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountByStatus returns how many live records of ownerUserID are in each sync status.
func (db *DB) CountByStatus(ownerUserID int64) (map[models.SyncStatus]int, error) {
	rows, err := db.conn.Query(`
		SELECT sync_status, COUNT(*) FROM expenses
		WHERE owner_user_id = ? AND deleted = 0
		GROUP BY sync_status`, ownerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

// MigrateOrphans re-owns every record still owned by models.OrphanOwnerID to
// userID and returns how many were moved. Calling it again is a no-op.
func (db *DB) MigrateOrphans(userID int64) (int64, error) {
	if userID == models.OrphanOwnerID {
		return 0, nil
	}
	result, err := db.conn.Exec(
		"UPDATE expenses SET owner_user_id = ? WHERE owner_user_id = ?",
		userID, models.OrphanOwnerID,
	)
	if err != nil {
		return 0, fmt.Errorf("migrate orphans: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("migrate orphans: %w", err)
	}
	if n > 0 {
		db.notify(models.OrphanOwnerID, userID)
	}
	return n, nil
}

func toNullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
