package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/assessly/assessly-idp/internal/config"
	"github.com/assessly/assessly-idp/internal/domain"
	"github.com/assessly/assessly-idp/internal/entitlement"
	"github.com/assessly/assessly-idp/internal/jwt"
	"github.com/assessly/assessly-idp/internal/mailer"
	"github.com/assessly/assessly-idp/internal/obs"
	"github.com/assessly/assessly-idp/internal/repository"
	"github.com/assessly/assessly-idp/internal/tenant"
)

const authorizationCodeBytes = 32 // 256 bits of entropy per code

// AuthService implements the authorization server state machine: authorize,
// consent, token grants, userinfo, introspection, and revocation.
type AuthService struct {
	users        repository.UserRepository
	clients      repository.ClientRepository
	codes        repository.CodeRepository
	consents     repository.ConsentRepository
	tokens       repository.TokenRepository
	entitlements entitlement.Resolver
	generator    *jwt.Generator
	keys         *jwt.KeyManager
	oauth        config.OAuthConfig
	cfg          config.Config
	mail         mailer.Mailer
	logger       *zap.Logger
}

// NewAuthService wires the service.
func NewAuthService(
	users repository.UserRepository,
	clients repository.ClientRepository,
	codes repository.CodeRepository,
	consents repository.ConsentRepository,
	tokens repository.TokenRepository,
	entitlements entitlement.Resolver,
	generator *jwt.Generator,
	keys *jwt.KeyManager,
	oauth config.OAuthConfig,
	cfg config.Config,
	mail mailer.Mailer,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		users:        users,
		clients:      clients,
		codes:        codes,
		consents:     consents,
		tokens:       tokens,
		entitlements: entitlements,
		generator:    generator,
		keys:         keys,
		oauth:        oauth,
		cfg:          cfg,
		mail:         mail,
		logger:       logger,
	}
}

// OAuthConfig exposes the resolved configuration to handlers.
func (s *AuthService) OAuthConfig() config.OAuthConfig {
	return s.oauth
}

// AuthorizeRequest mirrors the /oauth/authorize query parameters.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Scopes splits the space-delimited scope parameter.
func (r AuthorizeRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

// AuthorizeResult is the outcome of a validated authorization request: either
// the caller must present a consent screen, or a code was minted and the user
// agent goes back to the client.
type AuthorizeResult struct {
	NeedsConsent bool
	RedirectURL  string
}

// Authorize validates an authorization request for an authenticated principal
// and either defers to the consent screen or issues a code straight away.
func (s *AuthService) Authorize(ctx context.Context, tenantCtx *tenant.Context, principal domain.Principal, req AuthorizeRequest) (AuthorizeResult, error) {
	client, scopes, err := s.validateAuthorize(ctx, tenantCtx, req)
	if err != nil {
		return AuthorizeResult{}, err
	}

	grant, err := s.consents.Get(ctx, tenantCtx.Tenant.ID, principal.SubjectID, client.ClientID)
	switch {
	case err == nil && grant.Covers(scopes):
		redirect, err := s.issueCodeRedirect(ctx, tenantCtx, principal, client, req, scopes)
		if err != nil {
			return AuthorizeResult{}, err
		}
		obs.ConsentPrompt("skipped")
		return AuthorizeResult{RedirectURL: redirect}, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return AuthorizeResult{}, fmt.Errorf("load consent: %w", err)
	}

	obs.ConsentPrompt("prompted")
	return AuthorizeResult{NeedsConsent: true}, nil
}

// SubmitConsent records the user's consent decision and finishes the
// authorization. The returned URL carries either a code or access_denied.
func (s *AuthService) SubmitConsent(ctx context.Context, tenantCtx *tenant.Context, principal domain.Principal, req AuthorizeRequest, approved bool) (string, error) {
	client, scopes, err := s.validateAuthorize(ctx, tenantCtx, req)
	if err != nil {
		return "", err
	}

	if !approved {
		obs.ConsentPrompt("denied")
		return appendQuery(req.RedirectURI, map[string]string{
			"error":             ErrCodeAccessDenied,
			"error_description": "The user declined the authorization request.",
			"state":             req.State,
		}), nil
	}

	if _, err := s.consents.Upsert(ctx, domain.ConsentGrant{
		TenantID: tenantCtx.Tenant.ID,
		UserID:   principal.SubjectID,
		ClientID: client.ClientID,
		Scopes:   scopes,
	}); err != nil {
		return "", fmt.Errorf("persist consent: %w", err)
	}

	obs.ConsentPrompt("approved")
	return s.issueCodeRedirect(ctx, tenantCtx, principal, client, req, scopes)
}

// validateAuthorize establishes redirect safety first (client + exact
// redirect URI), then validates the rest. Errors raised after that point are
// marked redirectable so the handler may deliver them to the client app.
func (s *AuthService) validateAuthorize(ctx context.Context, tenantCtx *tenant.Context, req AuthorizeRequest) (domain.OAuthClient, []string, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return domain.OAuthClient{}, nil, invalidRequest("client_id is required.")
	}
	if strings.TrimSpace(req.RedirectURI) == "" {
		return domain.OAuthClient{}, nil, invalidRequest("redirect_uri is required.")
	}

	client, err := s.clients.GetByClientID(ctx, tenantCtx.Tenant.ID, req.ClientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.OAuthClient{}, nil, invalidClient("Unknown client.")
		}
		return domain.OAuthClient{}, nil, fmt.Errorf("load client: %w", err)
	}

	if !s.redirectURIAllowed(client, req.RedirectURI) {
		return domain.OAuthClient{}, nil, invalidGrant("redirect_uri is not registered for this client.")
	}

	if req.ResponseType != "code" {
		return domain.OAuthClient{}, nil, newOAuthError(ErrCodeUnsupportedResponse, "Only response_type=code is supported.", 400).redirect()
	}

	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return domain.OAuthClient{}, nil, unauthorizedClient("Client may not use the authorization_code grant.").redirect()
	}

	// PKCE is mandatory for every client type. The per-client PKCERequired
	// flag can only tighten policy, never relax it.
	if strings.TrimSpace(req.CodeChallenge) == "" {
		return domain.OAuthClient{}, nil, invalidRequest("code_challenge is required.").redirect()
	}
	switch req.CodeChallengeMethod {
	case domain.ChallengeMethodS256, domain.ChallengeMethodPlain:
	default:
		return domain.OAuthClient{}, nil, invalidRequest("code_challenge_method must be S256 or plain.").redirect()
	}

	scopes := req.Scopes()
	if len(scopes) == 0 {
		return domain.OAuthClient{}, nil, invalidRequest("scope is required.").redirect()
	}
	if !s.oauth.ScopeAllowed(scopes) {
		return domain.OAuthClient{}, nil, invalidScope("Requested scope is not allowed.").redirect()
	}

	return client, scopes, nil
}

// redirectURIAllowed enforces exact string matching. In development only, a
// localhost redirect may vary its port as long as scheme, host, and path are
// identical.
func (s *AuthService) redirectURIAllowed(client domain.OAuthClient, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == redirectURI {
			return true
		}
	}
	if s.oauth.Environment != config.EnvDevelopment {
		return false
	}

	requested, err := url.Parse(redirectURI)
	if err != nil || !isLoopback(requested.Hostname()) {
		return false
	}
	for _, registered := range client.RedirectURIs {
		reg, err := url.Parse(registered)
		if err != nil || !isLoopback(reg.Hostname()) {
			continue
		}
		if reg.Scheme == requested.Scheme && reg.Hostname() == requested.Hostname() && reg.Path == requested.Path {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (s *AuthService) issueCodeRedirect(ctx context.Context, tenantCtx *tenant.Context, principal domain.Principal, client domain.OAuthClient, req AuthorizeRequest, scopes []string) (string, error) {
	code, err := randomToken(authorizationCodeBytes)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	if err := s.codes.Create(ctx, domain.AuthorizationCode{
		Code:                code,
		TenantID:            tenantCtx.Tenant.ID,
		UserID:              principal.SubjectID,
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		ExpiresAt:           time.Now().Add(s.oauth.Lifetimes.AuthorizationCode),
	}); err != nil {
		return "", fmt.Errorf("persist code: %w", err)
	}

	s.log().Info("authorization code issued",
		zap.Int64("tenant_id", tenantCtx.Tenant.ID),
		zap.String("client_id", client.ClientID),
		zap.Int64("user_id", principal.SubjectID),
	)

	return appendQuery(req.RedirectURI, map[string]string{
		"code":  code,
		"state": req.State,
	}), nil
}

// TokenRequest mirrors the form-encoded /oauth/token body.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse is the successful token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// AuthorizationCodeGrant redeems a code for tokens.
func (s *AuthService) AuthorizationCodeGrant(ctx context.Context, tenantCtx *tenant.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, tenantCtx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return nil, unauthorizedClient("Client may not use the authorization_code grant.")
	}
	if req.Code == "" || req.RedirectURI == "" || req.CodeVerifier == "" {
		return nil, invalidRequest("code, redirect_uri, and code_verifier are required.")
	}

	code, err := s.codes.Consume(ctx, tenantCtx.Tenant.ID, req.Code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.handleCodeReplay(ctx, tenantCtx, req.Code)
		}
		return nil, fmt.Errorf("consume code: %w", err)
	}

	if code.ClientID != client.ClientID {
		return nil, invalidGrant("Code was issued to a different client.")
	}
	if code.RedirectURI != req.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request.")
	}
	if !verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
		return nil, invalidGrant("PKCE verification failed.")
	}

	user, err := s.users.GetByID(ctx, tenantCtx.Tenant.ID, code.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	resp, err := s.issueTokens(ctx, tenantCtx, client, user, code.Scopes, code.Nonce, code.Code)
	if err != nil {
		return nil, err
	}
	obs.TokenIssued(domain.GrantAuthorizationCode)
	return resp, nil
}

// handleCodeReplay distinguishes an unknown/expired code from a replayed one.
// A replay revokes every token already minted from the code.
func (s *AuthService) handleCodeReplay(ctx context.Context, tenantCtx *tenant.Context, codeValue string) error {
	code, err := s.codes.Get(ctx, tenantCtx.Tenant.ID, codeValue)
	if err == nil && code.Consumed {
		obs.ReplayDetected("authorization_code")
		s.log().Warn("authorization code replay detected",
			zap.Int64("tenant_id", tenantCtx.Tenant.ID),
			zap.String("client_id", code.ClientID),
		)
		if err := s.tokens.RevokeByAuthCode(ctx, tenantCtx.Tenant.ID, codeValue); err != nil {
			s.log().Error("failed to revoke tokens after code replay", zap.Error(err))
		}
	}
	return invalidGrant("Authorization code is invalid, expired, or already used.")
}

// RefreshGrant rotates a refresh token and issues a fresh token pair.
func (s *AuthService) RefreshGrant(ctx context.Context, tenantCtx *tenant.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, tenantCtx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(domain.GrantRefreshToken) {
		return nil, unauthorizedClient("Client may not use the refresh_token grant.")
	}
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required.")
	}

	rotated, err := s.tokens.MarkRotated(ctx, tenantCtx.Tenant.ID, req.RefreshToken)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.handleRefreshReuse(ctx, tenantCtx, req.RefreshToken)
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	if rotated.ClientID != client.ClientID {
		// Cross-client presentation is treated like theft.
		if err := s.tokens.RevokeFamily(ctx, tenantCtx.Tenant.ID, rotated.FamilyID); err != nil {
			s.log().Error("failed to revoke family", zap.Error(err))
		}
		return nil, invalidGrant("Refresh token was issued to a different client.")
	}

	user, err := s.users.GetByID(ctx, tenantCtx.Tenant.ID, rotated.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	successor, err := randomToken(s.cfg.RefreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	if _, err := s.tokens.Create(ctx, domain.RefreshToken{
		TenantID:  tenantCtx.Tenant.ID,
		UserID:    rotated.UserID,
		ClientID:  rotated.ClientID,
		Token:     successor,
		Scopes:    rotated.Scopes,
		FamilyID:  rotated.FamilyID,
		AuthCode:  rotated.AuthCode,
		ExpiresAt: time.Now().Add(s.oauth.Lifetimes.RefreshToken),
	}); err != nil {
		return nil, fmt.Errorf("persist rotated token: %w", err)
	}

	accessToken, err := s.signAccessToken(ctx, tenantCtx, client, user, rotated.Scopes)
	if err != nil {
		return nil, err
	}

	obs.TokenIssued(domain.GrantRefreshToken)
	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.oauth.Lifetimes.AccessToken.Seconds()),
		Scope:        strings.Join(rotated.Scopes, " "),
		RefreshToken: successor,
	}, nil
}

// handleRefreshReuse burns the whole rotation family when an already-rotated
// token comes back: the legitimate holder and the thief both lose, which is
// the point.
func (s *AuthService) handleRefreshReuse(ctx context.Context, tenantCtx *tenant.Context, tokenValue string) error {
	stored, err := s.tokens.GetByToken(ctx, tenantCtx.Tenant.ID, tokenValue)
	if err == nil && stored.Revoked {
		obs.ReplayDetected("refresh_token")
		s.log().Warn("rotated refresh token reused, revoking family",
			zap.Int64("tenant_id", tenantCtx.Tenant.ID),
			zap.String("client_id", stored.ClientID),
			zap.String("family_id", stored.FamilyID),
		)
		if err := s.tokens.RevokeFamily(ctx, tenantCtx.Tenant.ID, stored.FamilyID); err != nil {
			s.log().Error("failed to revoke family", zap.Error(err))
		}
		s.alertTokenTheft(tenantCtx, stored)
	}
	return invalidGrant("Refresh token is invalid, expired, or revoked.")
}

func (s *AuthService) alertTokenTheft(tenantCtx *tenant.Context, token domain.RefreshToken) {
	if len(s.cfg.SecurityAlertTo) == 0 {
		return
	}
	subject := fmt.Sprintf("[assessly-idp] refresh token reuse detected (tenant %d)", tenantCtx.Tenant.ID)
	body := fmt.Sprintf(
		"<p>A rotated refresh token was presented again.</p><ul><li>Tenant: %d</li><li>Client: %s</li><li>User: %d</li><li>Family: %s</li></ul><p>The rotation family has been revoked.</p>",
		tenantCtx.Tenant.ID, token.ClientID, token.UserID, token.FamilyID,
	)
	if err := s.mail.Send(s.cfg.SecurityAlertTo, subject, body); err != nil {
		s.log().Error("failed to send security alert", zap.Error(err))
	}
}

// authenticateClient applies the client-type-aware authentication rule:
// confidential clients must present their secret; public clients must not.
func (s *AuthService) authenticateClient(ctx context.Context, tenantCtx *tenant.Context, clientID, clientSecret string) (domain.OAuthClient, error) {
	if strings.TrimSpace(clientID) == "" {
		return domain.OAuthClient{}, invalidRequest("client_id is required.")
	}

	client, err := s.clients.GetByClientID(ctx, tenantCtx.Tenant.ID, clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.OAuthClient{}, invalidClient("Unknown client.")
		}
		return domain.OAuthClient{}, fmt.Errorf("load client: %w", err)
	}

	if client.Confidential() {
		if clientSecret == "" {
			return domain.OAuthClient{}, invalidClient("Client authentication required.")
		}
		if bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)) != nil {
			return domain.OAuthClient{}, invalidClient("Client authentication failed.")
		}
		return client, nil
	}

	if clientSecret != "" {
		return domain.OAuthClient{}, invalidRequest("Public clients must not send a client_secret.")
	}
	return client, nil
}

func (s *AuthService) issueTokens(ctx context.Context, tenantCtx *tenant.Context, client domain.OAuthClient, user domain.User, scopes []string, nonce, authCode string) (*TokenResponse, error) {
	accessToken, err := s.signAccessToken(ctx, tenantCtx, client, user, scopes)
	if err != nil {
		return nil, err
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.oauth.Lifetimes.AccessToken.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}

	if hasScope(scopes, "openid") {
		ents, err := s.resolveEntitlements(ctx, tenantCtx.Tenant.ID, user.ID)
		if err != nil {
			return nil, err
		}
		idToken, err := s.generator.SignIDToken(ctx, jwt.TokenInput{
			Issuer:       tenantCtx.Issuer(),
			ClientID:     client.ClientID,
			User:         user,
			TenantID:     tenantCtx.Tenant.ID,
			Scopes:       scopes,
			Entitlements: ents,
			Nonce:        nonce,
		})
		if err != nil {
			return nil, fmt.Errorf("sign id token: %w", err)
		}
		resp.IDToken = idToken
	}

	if client.AllowsGrant(domain.GrantRefreshToken) && hasScope(scopes, "offline_access") {
		refreshToken, err := randomToken(s.cfg.RefreshTokenBytes)
		if err != nil {
			return nil, fmt.Errorf("generate refresh token: %w", err)
		}
		if _, err := s.tokens.Create(ctx, domain.RefreshToken{
			TenantID:  tenantCtx.Tenant.ID,
			UserID:    user.ID,
			ClientID:  client.ClientID,
			Token:     refreshToken,
			Scopes:    scopes,
			FamilyID:  uuid.NewString(),
			AuthCode:  authCode,
			ExpiresAt: time.Now().Add(s.oauth.Lifetimes.RefreshToken),
		}); err != nil {
			return nil, fmt.Errorf("persist refresh token: %w", err)
		}
		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

func (s *AuthService) signAccessToken(ctx context.Context, tenantCtx *tenant.Context, client domain.OAuthClient, user domain.User, scopes []string) (string, error) {
	ents, err := s.resolveEntitlements(ctx, tenantCtx.Tenant.ID, user.ID)
	if err != nil {
		return "", err
	}
	token, err := s.generator.SignAccessToken(ctx, jwt.TokenInput{
		Issuer:       tenantCtx.Issuer(),
		ClientID:     client.ClientID,
		User:         user,
		TenantID:     tenantCtx.Tenant.ID,
		Scopes:       scopes,
		Entitlements: ents,
	})
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

func (s *AuthService) resolveEntitlements(ctx context.Context, tenantID, userID int64) (domain.Entitlements, error) {
	ents, err := s.entitlements.Resolve(ctx, tenantID, userID)
	if err != nil {
		return domain.Entitlements{}, fmt.Errorf("resolve entitlements: %w", err)
	}
	return ents, nil
}

// UserInfoResponse is the OIDC userinfo payload.
type UserInfoResponse struct {
	Subject           string              `json:"sub"`
	TenantID          int64               `json:"tenant_id"`
	Roles             []string            `json:"roles,omitempty"`
	ApplicationRoles  map[string][]string `json:"application_roles,omitempty"`
	Email             string              `json:"email,omitempty"`
	EmailVerified     bool                `json:"email_verified,omitempty"`
	PreferredUsername string              `json:"preferred_username,omitempty"`
	Name              string              `json:"name,omitempty"`
}

// UserInfo returns claims for a valid bearer access token.
func (s *AuthService) UserInfo(ctx context.Context, tenantCtx *tenant.Context, accessToken string) (*UserInfoResponse, error) {
	std, custom, err := s.generator.ValidateAccessToken(ctx, tenantCtx.Tenant.ID, accessToken, tenantCtx.Issuer())
	if err != nil || custom.TokenUse != jwt.TokenUseAccess {
		return nil, newOAuthError("invalid_token", "Access token could not be verified.", 401)
	}
	return &UserInfoResponse{
		Subject:           std.Subject,
		TenantID:          custom.TenantID,
		Roles:             custom.Roles,
		ApplicationRoles:  custom.ApplicationRoles,
		Email:             custom.Email,
		EmailVerified:     custom.EmailVerified,
		PreferredUsername: custom.PreferredUsername,
		Name:              custom.Name,
	}, nil
}

// Introspection is the minimal RFC 7662 response shape.
type Introspection struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TenantID  int64  `json:"tenant_id,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// Introspect reports token metadata for resource servers. Invalid tokens are
// reported as inactive, never as errors.
func (s *AuthService) Introspect(ctx context.Context, tenantCtx *tenant.Context, token string) *Introspection {
	std, custom, err := s.generator.ValidateAccessToken(ctx, tenantCtx.Tenant.ID, token, tenantCtx.Issuer())
	if err != nil || custom.TokenUse != jwt.TokenUseAccess {
		return &Introspection{Active: false}
	}
	out := &Introspection{
		Active:   true,
		Subject:  std.Subject,
		Scope:    custom.Scope,
		TenantID: custom.TenantID,
	}
	if len(std.Audience) > 0 {
		out.ClientID = std.Audience[0]
	}
	if std.Expiry != nil {
		out.ExpiresAt = std.Expiry.Time().Unix()
	}
	if std.IssuedAt != nil {
		out.IssuedAt = std.IssuedAt.Time().Unix()
	}
	return out
}

// Revoke processes refresh token revocation (RFC 7009 semantics: succeed even
// when the token is unknown). Presenting an already-rotated token revokes the
// whole family.
func (s *AuthService) Revoke(ctx context.Context, tenantCtx *tenant.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return invalidRequest("token is required.")
	}
	if _, err := s.tokens.MarkRotated(ctx, tenantCtx.Tenant.ID, token); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("revoke token: %w", err)
	}

	stored, err := s.tokens.GetByToken(ctx, tenantCtx.Tenant.ID, token)
	if err == nil && stored.Revoked {
		if err := s.tokens.RevokeFamily(ctx, tenantCtx.Tenant.ID, stored.FamilyID); err != nil {
			return fmt.Errorf("revoke family: %w", err)
		}
	}
	return nil
}

// RegisterClientInput is the development-only dynamic registration payload.
type RegisterClientInput struct {
	Name         string
	Type         domain.ClientType
	RedirectURIs []string
	GrantTypes   []string
}

// RegisteredClient is the registration response; the plaintext secret is
// returned exactly once.
type RegisteredClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Name         string   `json:"client_name"`
	Type         string   `json:"client_type"`
	RedirectURIs []string `json:"redirect_uris"`
	GrantTypes   []string `json:"grant_types"`
}

// RegisterClient creates a client at runtime. Handlers only expose this in
// development.
func (s *AuthService) RegisterClient(ctx context.Context, tenantCtx *tenant.Context, in RegisterClientInput) (*RegisteredClient, error) {
	if len(in.RedirectURIs) == 0 {
		return nil, invalidRequest("redirect_uris is required.")
	}
	switch in.Type {
	case domain.ClientTypePublic, domain.ClientTypeConfidential:
	default:
		return nil, invalidRequest("client type must be public or confidential.")
	}

	grantTypes := in.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken}
	}
	for _, g := range grantTypes {
		if g != domain.GrantAuthorizationCode && g != domain.GrantRefreshToken {
			return nil, invalidRequest(fmt.Sprintf("grant type %q is not supported.", g))
		}
	}

	client := domain.OAuthClient{
		TenantID:     tenantCtx.Tenant.ID,
		ClientID:     uuid.NewString(),
		Name:         strings.TrimSpace(in.Name),
		Type:         in.Type,
		RedirectURIs: in.RedirectURIs,
		GrantTypes:   grantTypes,
		PKCERequired: true,
	}

	var plaintextSecret string
	if in.Type == domain.ClientTypeConfidential {
		secret, err := randomToken(32)
		if err != nil {
			return nil, fmt.Errorf("generate client secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash client secret: %w", err)
		}
		client.SecretHash = string(hash)
		plaintextSecret = secret
	}

	created, err := s.clients.Create(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	s.log().Info("client registered",
		zap.Int64("tenant_id", tenantCtx.Tenant.ID),
		zap.String("client_id", created.ClientID),
		zap.String("type", string(created.Type)),
	)

	return &RegisteredClient{
		ClientID:     created.ClientID,
		ClientSecret: plaintextSecret,
		Name:         created.Name,
		Type:         string(created.Type),
		RedirectURIs: created.RedirectURIs,
		GrantTypes:   created.GrantTypes,
	}, nil
}

// PrincipalFromSession resolves the platform session cookie into a Principal.
func (s *AuthService) PrincipalFromSession(ctx context.Context, tenantCtx *tenant.Context, sessionToken string) (domain.Principal, error) {
	std, custom, err := s.generator.ValidateAccessToken(ctx, tenantCtx.Tenant.ID, sessionToken, tenantCtx.Issuer())
	if err != nil {
		return domain.Principal{}, fmt.Errorf("validate session: %w", err)
	}
	// An access token issued to a relying app verifies against the same keys
	// but must never double as a login session.
	if custom.TokenUse != jwt.TokenUseSession {
		return domain.Principal{}, fmt.Errorf("token is not a login session")
	}
	subjectID, err := strconv.ParseInt(std.Subject, 10, 64)
	if err != nil || subjectID <= 0 {
		return domain.Principal{}, fmt.Errorf("invalid subject claim")
	}
	return domain.Principal{
		SubjectID:     subjectID,
		TenantID:      custom.TenantID,
		Email:         custom.Email,
		EmailVerified: custom.EmailVerified,
		Username:      custom.PreferredUsername,
		Name:          custom.Name,
		Roles:         custom.Roles,
	}, nil
}

// JWKS exposes the tenant's public key set.
func (s *AuthService) JWKS(ctx context.Context, tenantID int64) (jose.JSONWebKeySet, error) {
	return s.keys.JWKS(ctx, tenantID)
}

func (s *AuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}

func verifyPKCE(challenge, method, verifier string) bool {
	switch method {
	case domain.ChallengeMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case domain.ChallengeMethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}

func randomToken(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func appendQuery(rawURL string, params map[string]string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := parsed.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
