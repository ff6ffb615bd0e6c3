package models

import "time"

// Expiry is either a fixed instant or "never expires". The zero value never expires.
type Expiry struct {
	at  time.Time
	set bool
}

// ExpiresAt returns an Expiry fixed at t.
func ExpiresAt(t time.Time) Expiry {
	return Expiry{at: t, set: true}
}

// NeverExpires returns an Expiry without a deadline.
func NeverExpires() Expiry {
	return Expiry{}
}

// Time returns the deadline and whether one exists.
func (e Expiry) Time() (time.Time, bool) {
	return e.at, e.set
}

// AuthToken is the access token used against the remote API.
type AuthToken struct {
	Value  string
	Expiry Expiry
}

// IsZero reports whether no token is held.
func (t AuthToken) IsZero() bool {
	return t.Value == ""
}

// ExpiredAt reports whether the token is past its deadline at now.
func (t AuthToken) ExpiredAt(now time.Time) bool {
	at, ok := t.Expiry.Time()
	return ok && !now.Before(at)
}

// ExpiresWithin reports whether the deadline falls within window of now.
func (t AuthToken) ExpiresWithin(now time.Time, window time.Duration) bool {
	at, ok := t.Expiry.Time()
	return ok && at.Sub(now) <= window
}
