package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"expense-sync/internal/models"
)

// The methods in this file are the sync engine's write-backs. Each one is
// conditional on the mutation sequence the engine read, so a user edit made
// while the network call was in flight is never overwritten.

// MarkSynced records the remote id confirmed for the mutation seq of localID.
// If the record changed since seq was read it keeps the remote id but stays
// Pending, now as an update (or a delete for a tombstone).
func (db *DB) MarkSynced(localID string, seq int64, remoteID int64) (*models.ExpenseRecord, error) {
	row := db.conn.QueryRow(`
		UPDATE expenses SET
			remote_id = ?,
			sync_status = CASE WHEN mutation_seq = ? THEN 'synced' ELSE 'pending' END,
			pending_op = CASE
				WHEN mutation_seq = ? THEN ''
				WHEN deleted = 1 THEN 'delete'
				ELSE 'update' END,
			last_error = ''
		WHERE local_id = ?
		RETURNING `+recordColumns,
		remoteID, seq, seq, localID,
	)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark synced %s: %w", localID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mark synced %s: %w", localID, err)
	}
	db.notify(r.OwnerUserID)
	return &r, nil
}

// MarkFailed flags the mutation seq of localID as rejected by the remote.
// A rejected delete brings the record back, since the remote row still
// exists; the user can then edit it or delete it again. It reports false
// when the record changed since seq was read.
func (db *DB) MarkFailed(localID string, seq int64, reason string) (bool, error) {
	var owner int64
	err := db.conn.QueryRow(`
		UPDATE expenses SET sync_status = 'failed', last_error = ?, deleted = 0
		WHERE local_id = ? AND mutation_seq = ?
		RETURNING owner_user_id`,
		reason, localID, seq,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", localID, err)
	}
	db.notify(owner)
	return true, nil
}

// Purge removes a tombstone once its deletion no longer needs the remote.
// It reports false when the record changed since seq was read.
func (db *DB) Purge(localID string, seq int64) (bool, error) {
	var owner int64
	err := db.conn.QueryRow(`
		DELETE FROM expenses WHERE local_id = ? AND mutation_seq = ? AND deleted = 1
		RETURNING owner_user_id`,
		localID, seq,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("purge %s: %w", localID, err)
	}
	db.notify(owner)
	return true, nil
}

// PullResult counts what ApplyPulled changed locally.
type PullResult struct {
	Inserted int
	Updated  int
	Adopted  int
	Removed  int
}

// ApplyPulled merges the authoritative remote list for ownerUserID.
// Remote rows refresh Synced local rows, adopt a remote id for a pending
// create with the same local id, or are inserted as Synced. Synced local
// rows absent remotely are removed. Pending and Failed rows are left alone.
// Every element of remote must carry a RemoteID and a LocalID; the LocalID
// is used only when the row is new.
func (db *DB) ApplyPulled(ownerUserID int64, remote []models.ExpenseRecord) (PullResult, error) {
	var res PullResult

	tx, err := db.conn.Begin()
	if err != nil {
		return res, fmt.Errorf("apply pulled: %w", err)
	}
	defer tx.Rollback()

	seen := make(map[int64]bool, len(remote))
	for _, rr := range remote {
		if rr.RemoteID == nil {
			continue
		}
		seen[*rr.RemoteID] = true

		var (
			localID string
			status  string
		)
		err := tx.QueryRow(
			"SELECT local_id, sync_status FROM expenses WHERE owner_user_id = ? AND remote_id = ?",
			ownerUserID, *rr.RemoteID,
		).Scan(&localID, &status)
		switch {
		case err == nil:
			if models.SyncStatus(status) != models.StatusSynced {
				continue
			}
			if _, err := tx.Exec(`
				UPDATE expenses SET description = ?, amount = ?, date = ?, category_id = ?, updated_at = ?
				WHERE local_id = ? AND sync_status = 'synced' AND deleted = 0`,
				rr.Description, rr.Amount, rr.Date.UTC(), toNullInt(rr.CategoryID), rr.UpdatedAt.UTC(), localID,
			); err != nil {
				return res, fmt.Errorf("apply pulled: refresh %s: %w", localID, err)
			}
			res.Updated++
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return res, fmt.Errorf("apply pulled: lookup %d: %w", *rr.RemoteID, err)
		}

		// A create whose response never arrived is matched by its local id.
		result, err := tx.Exec(`
			UPDATE expenses SET
				remote_id = ?,
				pending_op = CASE WHEN deleted = 1 THEN 'delete' ELSE 'update' END
			WHERE local_id = ? AND owner_user_id = ? AND remote_id IS NULL`,
			*rr.RemoteID, rr.LocalID, ownerUserID,
		)
		if err != nil {
			return res, fmt.Errorf("apply pulled: adopt %s: %w", rr.LocalID, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			res.Adopted++
			continue
		}

		result, err = tx.Exec(`
			INSERT INTO expenses (local_id, remote_id, owner_user_id, description, amount, date, category_id,
				sync_status, pending_op, deleted, mutation_seq, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'synced', '', 0, `+nextSeq+`, '', ?, ?)
			ON CONFLICT (local_id) DO NOTHING`,
			rr.LocalID, *rr.RemoteID, ownerUserID, rr.Description, rr.Amount, rr.Date.UTC(),
			toNullInt(rr.CategoryID), rr.CreatedAt.UTC(), rr.UpdatedAt.UTC(),
		)
		if err != nil {
			return res, fmt.Errorf("apply pulled: insert %d: %w", *rr.RemoteID, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			res.Inserted++
		}
	}

	rows, err := tx.Query(
		"SELECT local_id, remote_id FROM expenses WHERE owner_user_id = ? AND sync_status = 'synced' AND deleted = 0",
		ownerUserID,
	)
	if err != nil {
		return res, fmt.Errorf("apply pulled: scan synced: %w", err)
	}
	var gone []string
	for rows.Next() {
		var (
			localID  string
			remoteID int64
		)
		if err := rows.Scan(&localID, &remoteID); err != nil {
			rows.Close()
			return res, fmt.Errorf("apply pulled: scan synced: %w", err)
		}
		if !seen[remoteID] {
			gone = append(gone, localID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("apply pulled: scan synced: %w", err)
	}

	for _, localID := range gone {
		if _, err := tx.Exec("DELETE FROM expenses WHERE local_id = ? AND sync_status = 'synced'", localID); err != nil {
			return res, fmt.Errorf("apply pulled: remove %s: %w", localID, err)
		}
		res.Removed++
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("apply pulled: commit: %w", err)
	}
	if res != (PullResult{}) {
		db.notify(ownerUserID)
	}
	return res, nil
}
