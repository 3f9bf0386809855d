package domain

import "time"

// RefreshToken persists one link of a rotation family. Rotating a token revokes
// it and inserts a successor carrying the same FamilyID; reuse of a revoked
// token is treated as theft and burns the whole family.
type RefreshToken struct {
	ID        int64
	TenantID  int64
	UserID    int64
	ClientID  string
	Token     string
	Scopes    []string
	FamilyID  string
	AuthCode  string
	CreatedAt time.Time
	ExpiresAt time.Time
	RotatedAt *time.Time
	Revoked   bool
}

// Expired reports whether the token is past its lifetime at the given instant.
func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
