package domain

import "time"

// PKCE challenge methods accepted on the authorization endpoint.
const (
	ChallengeMethodS256  = "S256"
	ChallengeMethodPlain = "plain"
)

// AuthorizationCode models short-lived single-use authorization codes.
type AuthorizationCode struct {
	Code                string
	TenantID            int64
	UserID              int64
	ClientID            string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// Expired reports whether the code is past its lifetime at the given instant.
func (c AuthorizationCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
