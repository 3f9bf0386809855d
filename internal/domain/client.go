package domain

import "time"

// ClientType distinguishes clients that can keep a secret from those that cannot.
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// Grant type values accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// OAuthClient is a registered relying application (Nebula, Vega, ...).
type OAuthClient struct {
	ID                     int64
	TenantID               int64
	ClientID               string
	Name                   string
	Type                   ClientType
	SecretHash             string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	GrantTypes             []string
	PKCERequired           bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Confidential reports whether the client must authenticate with a secret.
func (c OAuthClient) Confidential() bool {
	return c.Type == ClientTypeConfidential
}

// AllowsGrant reports whether the client may use the given grant type.
func (c OAuthClient) AllowsGrant(grantType string) bool {
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}
