package domain

import "time"

// RefreshRecord is the server-side state behind an opaque refresh token.
// Records are keyed by the token hash, never by the raw token.
type RefreshRecord struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the record is past its expiry at now.
func (r RefreshRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
