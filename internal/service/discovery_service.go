package service

import (
	"github.com/assessly/assessly-idp/internal/config"
)

// DiscoveryService builds responses for the well-known endpoints. Pure
// functions over the resolved OAuth configuration.
type DiscoveryService struct {
	oauth config.OAuthConfig
}

// NewDiscoveryService creates the discovery service.
func NewDiscoveryService(oauth config.OAuthConfig) *DiscoveryService {
	return &DiscoveryService{oauth: oauth}
}

// OpenIDConfiguration matches the OIDC discovery document.
type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// OpenIDConfigurationResponse builds the OIDC discovery document. The issuer
// reflects the tenant host so satellite apps validate against the host they
// talked to.
func (s *DiscoveryService) OpenIDConfigurationResponse(issuer string) OpenIDConfiguration {
	if issuer == "" {
		issuer = s.oauth.Issuer
	}
	doc := OpenIDConfiguration{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		UserinfoEndpoint:                  issuer + "/oauth/userinfo",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		ScopesSupported:                   s.oauth.Security.AllowedScopes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "none"},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat",
			"tenant_id", "roles", "application_roles",
			"email", "email_verified", "preferred_username", "name",
		},
	}
	if s.oauth.RegistrationEnabled() {
		doc.RegistrationEndpoint = issuer + "/oauth/register"
	}
	return doc
}
