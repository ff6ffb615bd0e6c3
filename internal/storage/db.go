package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	// Import sqlite driver
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record or row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the local record store. It is the only data source the UI reads from
// and never touches the network.
type DB struct {
	conn *sql.DB

	mu        sync.RWMutex
	listeners []func(ownerUserID int64)

	pageSize int
}

// NewDB opens the local database and runs migrations.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// One connection serialises writers and keeps ":memory:" databases shared.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if !strings.Contains(path, ":memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	db := &DB{conn: conn, pageSize: 100}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS expenses (
			local_id TEXT PRIMARY KEY,
			remote_id INTEGER,
			owner_user_id INTEGER NOT NULL DEFAULT 0,
			description TEXT NOT NULL,
			amount TEXT NOT NULL,
			date DATETIME NOT NULL,
			category_id INTEGER,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			pending_op TEXT NOT NULL DEFAULT 'create',
			deleted INTEGER NOT NULL DEFAULT 0,
			mutation_seq INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CHECK (sync_status <> 'synced' OR remote_id IS NOT NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_owner_date
			ON expenses (owner_user_id, date DESC, local_id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_owner_status
			ON expenses (owner_user_id, sync_status, mutation_seq)`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_mutation_seq
			ON expenses (mutation_seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_expenses_owner_remote
			ON expenses (owner_user_id, remote_id) WHERE remote_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS session_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			token TEXT NOT NULL DEFAULT '',
			token_expires_at DATETIME,
			user_id INTEGER,
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT,
			session_active INTEGER NOT NULL DEFAULT 0,
			session_started_at DATETIME,
			last_activity DATETIME
		)`,
		`INSERT OR IGNORE INTO session_state (id) VALUES (1)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// OnChange registers fn to be called after any mutation touching ownerUserID's records.
func (db *DB) OnChange(fn func(ownerUserID int64)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.listeners = append(db.listeners, fn)
}

func (db *DB) notify(ownerUserIDs ...int64) {
	db.mu.RLock()
	listeners := append([]func(int64){}, db.listeners...)
	db.mu.RUnlock()

	seen := make(map[int64]bool, len(ownerUserIDs))
	for _, owner := range ownerUserIDs {
		if seen[owner] {
			continue
		}
		seen[owner] = true
		for _, fn := range listeners {
			fn(owner)
		}
	}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
