package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrphanOwnerID owns records created before any user logged in.
const OrphanOwnerID int64 = 0

// ErrInvalidRecord is returned when a record fails local validation.
var ErrInvalidRecord = errors.New("invalid expense record")

// SyncStatus tells whether a local mutation has been confirmed by the remote service.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// PendingOp is the remote operation a Pending or Failed record is waiting for.
type PendingOp string

const (
	OpNone   PendingOp = ""
	OpCreate PendingOp = "create"
	OpUpdate PendingOp = "update"
	OpDelete PendingOp = "delete"
)

// ExpenseRecord is an expense as kept in the local store.
type ExpenseRecord struct {
	LocalID     string          `json:"local_id"`
	RemoteID    *int64          `json:"remote_id,omitempty"`
	OwnerUserID int64           `json:"owner_user_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	CategoryID  *int64          `json:"category_id,omitempty"`
	SyncStatus  SyncStatus      `json:"sync_status"`
	PendingOp   PendingOp       `json:"pending_op,omitempty"`
	Deleted     bool            `json:"-"`
	// MutationSeq orders local mutations across the whole store, oldest first.
	MutationSeq int64     `json:"-"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasRemoteID reports whether the remote service has confirmed the record.
func (r ExpenseRecord) HasRemoteID() bool {
	return r.RemoteID != nil
}

// Validate checks the fields a user controls.
func (r ExpenseRecord) Validate() error {
	if strings.TrimSpace(r.Description) == "" {
		return errors.Join(ErrInvalidRecord, errors.New("description is required"))
	}
	if r.Amount.IsNegative() {
		return errors.Join(ErrInvalidRecord, errors.New("amount must not be negative"))
	}
	if r.Date.IsZero() {
		return errors.Join(ErrInvalidRecord, errors.New("date is required"))
	}
	return nil
}

// User represents an account on the remote authority.
type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
