package models

import "time"

// RefreshSession is the single live refresh credential for an account,
// stored by hash only. The raw refresh token value is never persisted.
type RefreshSession struct {
	UserID    int64
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Identity is the resolved output of access-token validation. Downstream
// handlers trust it and perform no re-verification of their own.
type Identity struct {
	ID    int64
	Email string
}
