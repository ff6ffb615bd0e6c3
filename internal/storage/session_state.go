package storage

import (
	"database/sql"
	"fmt"
	"time"

	"expense-sync/internal/models"
)

// session_state is a single row shared by three owners: the token columns
// belong to the token store, user_id to the identity context and the
// session_* columns to the session manager. Each writes only its own columns.

// LoadToken returns the persisted access token, zero if none is stored.
func (db *DB) LoadToken() (models.AuthToken, error) {
	var (
		value     string
		expiresAt sql.NullTime
	)
	err := db.conn.QueryRow("SELECT token, token_expires_at FROM session_state WHERE id = 1").Scan(&value, &expiresAt)
	if err != nil {
		return models.AuthToken{}, fmt.Errorf("load token: %w", err)
	}
	tok := models.AuthToken{Value: value, Expiry: models.NeverExpires()}
	if expiresAt.Valid {
		tok.Expiry = models.ExpiresAt(expiresAt.Time)
	}
	return tok, nil
}

// SaveToken persists tok, replacing any previous token.
func (db *DB) SaveToken(tok models.AuthToken) error {
	var expiresAt sql.NullTime
	if at, ok := tok.Expiry.Time(); ok {
		expiresAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	if _, err := db.conn.Exec(
		"UPDATE session_state SET token = ?, token_expires_at = ? WHERE id = 1",
		tok.Value, expiresAt,
	); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// ClearToken removes the persisted token.
func (db *DB) ClearToken() error {
	if _, err := db.conn.Exec("UPDATE session_state SET token = '', token_expires_at = NULL WHERE id = 1"); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// LoadIdentity returns the persisted user id, if any.
func (db *DB) LoadIdentity() (int64, bool, error) {
	var userID sql.NullInt64
	if err := db.conn.QueryRow("SELECT user_id FROM session_state WHERE id = 1").Scan(&userID); err != nil {
		return 0, false, fmt.Errorf("load identity: %w", err)
	}
	return userID.Int64, userID.Valid, nil
}

// SaveIdentity persists the active user id for offline restarts.
func (db *DB) SaveIdentity(userID int64) error {
	if _, err := db.conn.Exec("UPDATE session_state SET user_id = ? WHERE id = 1", userID); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// LoadSession returns the cached session fields.
func (db *DB) LoadSession() (models.Session, error) {
	var (
		s            models.Session
		userID       sql.NullInt64
		email        sql.NullString
		startedAt    sql.NullTime
		lastActivity sql.NullTime
	)
	err := db.conn.QueryRow(`
		SELECT user_id, display_name, email, session_active, session_started_at, last_activity
		FROM session_state WHERE id = 1`,
	).Scan(&userID, &s.DisplayName, &email, &s.Active, &startedAt, &lastActivity)
	if err != nil {
		return models.Session{}, fmt.Errorf("load session: %w", err)
	}
	s.UserID = userID.Int64
	if email.Valid {
		e := email.String
		s.Email = &e
	}
	s.StartedAt = startedAt.Time
	s.LastActivity = lastActivity.Time
	return s, nil
}

// SaveSession persists the session's display fields and activity.
func (db *DB) SaveSession(s models.Session) error {
	var email sql.NullString
	if s.Email != nil {
		email = sql.NullString{String: *s.Email, Valid: true}
	}
	_, err := db.conn.Exec(`
		UPDATE session_state SET display_name = ?, email = ?, session_active = ?,
			session_started_at = ?, last_activity = ?
		WHERE id = 1`,
		s.DisplayName, email, s.Active, nullTime(s.StartedAt), nullTime(s.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
