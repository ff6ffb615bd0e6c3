// Package backend is the reference remote authority for the expense API:
// accounts, bearer-token sessions and per-user expenses in SQLite. The
// sync core's e2e tests and local development run against it.
package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"expense-sync/internal/models"
	"expense-sync/internal/remote"

	"github.com/shopspring/decimal"

	// Import sqlite driver
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist for the user.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique value is already taken.
var ErrDuplicate = errors.New("already exists")

// DB wraps a sql.DB connection.
type DB struct {
	conn *sql.DB
}

// NewDB opens a database connection and runs migrations.
func NewDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) migrate() error {
	migrations := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			expires_at DATETIME NOT NULL,
			last_activity DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS expenses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			client_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			amount TEXT NOT NULL,
			date DATETIME NOT NULL,
			category_id INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_expenses_client
			ON expenses (user_id, client_id) WHERE client_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_expenses_user_date ON expenses (user_id, date DESC)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// CreateUser creates a new user with the given email and password hash.
func (db *DB) CreateUser(name, email, passwordHash string) (*models.User, error) {
	result, err := db.conn.Exec(
		"INSERT INTO users (name, email, password_hash) VALUES (?, ?, ?)",
		name, strings.ToLower(email), passwordHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("user %s: %w", email, ErrDuplicate)
		}
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return db.GetUserByID(id)
}

// GetUserByID retrieves a user by ID.
func (db *DB) GetUserByID(id int64) (*models.User, error) {
	return db.scanUser(db.conn.QueryRow(
		"SELECT id, name, email, password_hash, created_at FROM users WHERE id = ?",
		id,
	))
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (db *DB) GetUserByEmail(email string) (*models.User, error) {
	return db.scanUser(db.conn.QueryRow(
		"SELECT id, name, email, password_hash, created_at FROM users WHERE email = ?",
		strings.ToLower(email),
	))
}

func (db *DB) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// UserCount returns the number of users in the database.
func (db *DB) UserCount() (int, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

// CreateSession creates a new session for a user.
func (db *DB) CreateSession(token string, userID int64, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := db.conn.Exec(
		"INSERT INTO sessions (token, user_id, expires_at, last_activity) VALUES (?, ?, ?, ?)",
		token, userID, expiresAt.UTC(), now,
	)
	return err
}

// SessionInfo holds session validation data.
type SessionInfo struct {
	User         *models.User
	LastActivity time.Time
	ExpiresAt    time.Time
}

// ValidateSessionWithInfo checks if a session is live and returns its details.
func (db *DB) ValidateSessionWithInfo(token string) (*SessionInfo, error) {
	row := db.conn.QueryRow(`
		SELECT u.id, u.name, u.email, u.password_hash, u.created_at, s.last_activity, s.expires_at
		FROM sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.token = ? AND s.expires_at > ?
	`, token, time.Now().UTC())

	var u models.User
	var lastActivity, expiresAt time.Time
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt, &lastActivity, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &SessionInfo{
		User:         &u,
		LastActivity: lastActivity,
		ExpiresAt:    expiresAt,
	}, nil
}

// RenewSession updates the last_activity and expires_at for a session.
func (db *DB) RenewSession(token string, newExpiresAt time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE sessions SET last_activity = ?, expires_at = ? WHERE token = ?",
		time.Now().UTC(), newExpiresAt.UTC(), token,
	)
	return err
}

// DeleteSession removes a session by token.
func (db *DB) DeleteSession(token string) error {
	_, err := db.conn.Exec("DELETE FROM sessions WHERE token = ?", token)
	return err
}

// CleanExpiredSessions removes all expired sessions.
func (db *DB) CleanExpiredSessions() (int64, error) {
	result, err := db.conn.Exec("DELETE FROM sessions WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const expenseColumns = "id, client_id, description, amount, date, category_id, user_id, created_at, updated_at"

func scanExpense(s interface{ Scan(...any) error }) (remote.Expense, error) {
	var (
		e          remote.Expense
		date       time.Time
		categoryID sql.NullInt64
	)
	if err := s.Scan(&e.ID, &e.ClientID, &e.Description, &e.Amount, &date, &categoryID, &e.UserID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return remote.Expense{}, err
	}
	e.Date = remote.Date(date)
	if categoryID.Valid {
		id := categoryID.Int64
		e.CategoryID = &id
	}
	return e, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// CreateExpense inserts an expense for userID. A create repeating an
// earlier client id returns the existing expense and created=false.
func (db *DB) CreateExpense(userID int64, in remote.ExpenseInput) (*remote.Expense, bool, error) {
	now := time.Now().UTC()
	result, err := db.conn.Exec(`
		INSERT INTO expenses (user_id, client_id, description, amount, date, category_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, client_id) WHERE client_id <> '' DO NOTHING`,
		userID, in.ClientID, in.Description, in.Amount, time.Time(in.Date).UTC(), nullInt(in.CategoryID), now, now,
	)
	if err != nil {
		return nil, false, err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		id, err := result.LastInsertId()
		if err != nil {
			return nil, false, err
		}
		created, err := db.GetExpense(userID, id)
		return created, true, err
	}

	got, err := scanExpense(db.conn.QueryRow(
		"SELECT "+expenseColumns+" FROM expenses WHERE user_id = ? AND client_id = ?",
		userID, in.ClientID,
	))
	if err != nil {
		return nil, false, err
	}
	return &got, false, nil
}

// GetExpense retrieves a single expense of userID.
func (db *DB) GetExpense(userID, id int64) (*remote.Expense, error) {
	e, err := scanExpense(db.conn.QueryRow(
		"SELECT "+expenseColumns+" FROM expenses WHERE id = ? AND user_id = ?",
		id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateExpense replaces an existing expense of userID.
func (db *DB) UpdateExpense(userID, id int64, in remote.ExpenseInput) (*remote.Expense, error) {
	e, err := scanExpense(db.conn.QueryRow(`
		UPDATE expenses SET description = ?, amount = ?, date = ?, category_id = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
		RETURNING `+expenseColumns,
		in.Description, in.Amount, time.Time(in.Date).UTC(), nullInt(in.CategoryID), time.Now().UTC(), id, userID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteExpense removes an expense of userID.
func (db *DB) DeleteExpense(userID, id int64) error {
	result, err := db.conn.Exec("DELETE FROM expenses WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpenses removes every listed expense of userID and returns how
// many existed. Ids of other users are ignored.
func (db *DB) DeleteExpenses(userID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	result, err := db.conn.Exec("DELETE FROM expenses WHERE user_id = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListExpenses retrieves every expense of userID, ordered by date descending.
func (db *DB) ListExpenses(userID int64) ([]remote.Expense, error) {
	return db.queryExpenses(
		"SELECT "+expenseColumns+" FROM expenses WHERE user_id = ? ORDER BY date DESC, id DESC",
		userID,
	)
}

// GetExpensesByMonth retrieves the expenses of userID dated in the given month.
func (db *DB) GetExpensesByMonth(userID int64, year, month int) ([]remote.Expense, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return db.queryExpenses(
		"SELECT "+expenseColumns+` FROM expenses
		WHERE user_id = ? AND date >= ? AND date < ?
		ORDER BY date DESC, id DESC`,
		userID, start, start.AddDate(0, 1, 0),
	)
}

func (db *DB) queryExpenses(query string, args ...any) ([]remote.Expense, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := []remote.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		expenses = append(expenses, e)
	}
	return expenses, rows.Err()
}

// CategoryTotal is the spending of one category in a month.
type CategoryTotal struct {
	CategoryID *int64          `json:"category_id"`
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
}

// GetCategoryTotalsByMonth sums the month's expenses of userID per category,
// largest total first. Amounts are summed as decimals, not in SQL.
func (db *DB) GetCategoryTotalsByMonth(userID int64, year, month int) ([]CategoryTotal, error) {
	expenses, err := db.GetExpensesByMonth(userID, year, month)
	if err != nil {
		return nil, err
	}

	index := make(map[int64]int)
	var totals []CategoryTotal
	for _, e := range expenses {
		key := int64(-1)
		if e.CategoryID != nil {
			key = *e.CategoryID
		}
		i, ok := index[key]
		if !ok {
			i = len(totals)
			index[key] = i
			totals = append(totals, CategoryTotal{CategoryID: e.CategoryID})
		}
		totals[i].Total = totals[i].Total.Add(e.Amount)
		totals[i].Count++
	}
	sortTotals(totals)
	return totals, nil
}
