package models

import "time"

// UserProfile is the identity returned by the remote service at login or registration.
type UserProfile struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Email *string `json:"email"`
}

// Session is the cached login state shown while offline.
type Session struct {
	UserID       int64
	DisplayName  string
	Email        *string
	Active       bool
	StartedAt    time.Time
	LastActivity time.Time
}
