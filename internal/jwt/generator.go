package jwt

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/assessly/assessly-idp/internal/config"
	"github.com/assessly/assessly-idp/internal/domain"
)

// token_use claim values. Bearer access tokens and platform login sessions
// verify against the same tenant keys, so the claim is what keeps one from
// being presented as the other.
const (
	TokenUseAccess  = "access"
	TokenUseSession = "session"
)

// AccessTokenClaims are the platform claims embedded into access tokens
// alongside the registered claim set.
type AccessTokenClaims struct {
	TenantID          int64               `json:"tenant_id"`
	Scope             string              `json:"scope"`
	TokenUse          string              `json:"token_use,omitempty"`
	Roles             []string            `json:"roles,omitempty"`
	ApplicationRoles  map[string][]string `json:"application_roles,omitempty"`
	Email             string              `json:"email,omitempty"`
	EmailVerified     bool                `json:"email_verified,omitempty"`
	PreferredUsername string              `json:"preferred_username,omitempty"`
	Name              string              `json:"name,omitempty"`
}

// IDTokenClaims are OIDC identity claims, gated by the granted scopes.
type IDTokenClaims struct {
	TenantID          int64    `json:"tenant_id"`
	Nonce             string   `json:"nonce,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Name              string   `json:"name,omitempty"`
}

// TokenInput carries everything claim assembly needs for one issuance.
type TokenInput struct {
	Issuer       string
	ClientID     string
	User         domain.User
	TenantID     int64
	Scopes       []string
	Entitlements domain.Entitlements
	Nonce        string
}

// Generator signs access and ID tokens with the tenant's active key.
type Generator struct {
	keys      *KeyManager
	lifetimes config.TokenLifetimes
}

// NewGenerator creates a token generator.
func NewGenerator(keys *KeyManager, lifetimes config.TokenLifetimes) *Generator {
	return &Generator{keys: keys, lifetimes: lifetimes}
}

// SignAccessToken mints an RS256 access token. The kid is embedded in the
// header so verifiers select the matching JWKS entry without guessing.
func (g *Generator) SignAccessToken(ctx context.Context, in TokenInput) (string, error) {
	now := time.Now()
	std := gojwt.Claims{
		Issuer:   in.Issuer,
		Subject:  strconv.FormatInt(in.User.ID, 10),
		Audience: gojwt.Audience{in.ClientID},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(g.lifetimes.AccessToken)),
		ID:       uuid.NewString(),
	}

	custom := AccessTokenClaims{
		TenantID:         in.TenantID,
		Scope:            strings.Join(in.Scopes, " "),
		TokenUse:         TokenUseAccess,
		Roles:            in.Entitlements.Roles,
		ApplicationRoles: in.Entitlements.ApplicationRoles,
	}
	if hasScope(in.Scopes, "email") {
		custom.Email = in.User.Email
		custom.EmailVerified = in.User.EmailVerified
	}
	if hasScope(in.Scopes, "profile") {
		custom.PreferredUsername = in.User.Username
		custom.Name = in.User.Name
	}

	return g.sign(ctx, in.TenantID, std, custom)
}

// SignIDToken mints the OIDC id_token for authorization_code grants carrying
// the openid scope.
func (g *Generator) SignIDToken(ctx context.Context, in TokenInput) (string, error) {
	now := time.Now()
	std := gojwt.Claims{
		Issuer:   in.Issuer,
		Subject:  strconv.FormatInt(in.User.ID, 10),
		Audience: gojwt.Audience{in.ClientID},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(g.lifetimes.IDToken)),
	}

	custom := IDTokenClaims{
		TenantID: in.TenantID,
		Nonce:    in.Nonce,
		Roles:    in.Entitlements.Roles,
	}
	if hasScope(in.Scopes, "email") {
		custom.Email = in.User.Email
		custom.EmailVerified = in.User.EmailVerified
	}
	if hasScope(in.Scopes, "profile") {
		custom.PreferredUsername = in.User.Username
		custom.Name = in.User.Name
	}

	return g.sign(ctx, in.TenantID, std, custom)
}

// SignSessionToken mints the platform login session JWT. Sessions share the
// tenant signing keys with bearer tokens; token_use=session is what makes
// them acceptable on the authorize endpoint and nowhere else.
func (g *Generator) SignSessionToken(ctx context.Context, in TokenInput) (string, error) {
	now := time.Now()
	std := gojwt.Claims{
		Issuer:   in.Issuer,
		Subject:  strconv.FormatInt(in.User.ID, 10),
		Audience: gojwt.Audience{in.Issuer},
		IssuedAt: gojwt.NewNumericDate(now),
		Expiry:   gojwt.NewNumericDate(now.Add(g.lifetimes.AccessToken)),
		ID:       uuid.NewString(),
	}

	custom := AccessTokenClaims{
		TenantID:          in.TenantID,
		TokenUse:          TokenUseSession,
		Roles:             in.Entitlements.Roles,
		Email:             in.User.Email,
		EmailVerified:     in.User.EmailVerified,
		PreferredUsername: in.User.Username,
		Name:              in.User.Name,
	}

	return g.sign(ctx, in.TenantID, std, custom)
}

func (g *Generator) sign(ctx context.Context, tenantID int64, std gojwt.Claims, custom any) (string, error) {
	key, priv, err := g.keys.ActiveKey(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("load signing key: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", key.KID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}

	token, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// ValidateAccessToken verifies signature, issuer, and expiry, returning both
// the registered and platform claims.
func (g *Generator) ValidateAccessToken(ctx context.Context, tenantID int64, token, issuer string) (*gojwt.Claims, *AccessTokenClaims, error) {
	parsed, err := gojwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, nil, fmt.Errorf("parse token: %w", err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, nil, fmt.Errorf("token missing kid header")
	}

	pub, err := g.keys.PublicKey(ctx, tenantID, parsed.Headers[0].KeyID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve verification key: %w", err)
	}

	var std gojwt.Claims
	var custom AccessTokenClaims
	if err := parsed.Claims(pub, &std, &custom); err != nil {
		return nil, nil, fmt.Errorf("verify token: %w", err)
	}

	if err := std.Validate(gojwt.Expected{Issuer: issuer, Time: time.Now()}); err != nil {
		return nil, nil, fmt.Errorf("validate claims: %w", err)
	}

	return &std, &custom, nil
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
