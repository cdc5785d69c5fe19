package models

import (
	"time"
)

// Credentials represents the cloud account identity. Immutable for the
// process lifetime of a configured account.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"-"`
}

// Session represents an authenticated cloud session: the token used on every
// signed call, the per-session signing secret, and the validity window.
type Session struct {
	Token    string    `json:"token"`
	Secret   string    `json:"-"`
	UID      int64     `json:"uid,omitempty"`
	Usr      string    `json:"usr,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
	// ExpiresAt is IssuedAt plus the expire window the cloud reported.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the session can still be used at instant now, keeping
// the given safety margin before the actual expiry.
func (s *Session) Valid(now time.Time, margin time.Duration) bool {
	if s == nil || s.Token == "" || s.Secret == "" {
		return false
	}
	return now.Add(margin).Before(s.ExpiresAt)
}
