package service_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/assessly/assessly-idp/internal/config"
	"github.com/assessly/assessly-idp/internal/domain"
	"github.com/assessly/assessly-idp/internal/entitlement"
	"github.com/assessly/assessly-idp/internal/jwt"
	"github.com/assessly/assessly-idp/internal/repository"
	"github.com/assessly/assessly-idp/internal/service"
	"github.com/assessly/assessly-idp/internal/tenant"
)

type fixture struct {
	svc      *service.AuthService
	gen      *jwt.Generator
	users    *memoryUserRepo
	clients  *memoryClientRepo
	codes    *memoryCodeRepo
	consents *memoryConsentRepo
	tokens   *memoryTokenRepo
	mail     *countingMailer
	tenant   *tenant.Context
}

func newFixture(t *testing.T, clients ...domain.OAuthClient) *fixture {
	t.Helper()
	return newEnvFixture(t, config.EnvStaging, clients...)
}

func newEnvFixture(t *testing.T, environment string, clients ...domain.OAuthClient) *fixture {
	t.Helper()

	user := domain.User{
		ID:            10,
		TenantID:      1,
		Email:         "reviewer@acme.test",
		EmailVerified: true,
		Username:      "reviewer",
		Name:          "Ada Reviewer",
	}

	f := &fixture{
		users:    &memoryUserRepo{user: user},
		clients:  &memoryClientRepo{clients: map[string]domain.OAuthClient{}},
		codes:    &memoryCodeRepo{codes: map[string]domain.AuthorizationCode{}},
		consents: &memoryConsentRepo{grants: map[string]domain.ConsentGrant{}},
		tokens:   &memoryTokenRepo{tokens: map[string]domain.RefreshToken{}},
		tenant: &tenant.Context{
			Domain: domain.Domain{ID: 1, Host: "acme.assessly.test", TenantID: 1},
			Tenant: domain.Tenant{ID: 1, Name: "Acme", Slug: "acme"},
		},
	}
	for _, c := range clients {
		f.clients.clients[c.ClientID] = c
	}

	cfg := config.Config{Environment: environment, RefreshTokenBytes: 32, SecurityAlertTo: []string{"secops@assessly.test"}}
	oauth := config.ResolveOAuth(environment, "https://acme.assessly.test")
	manager := jwt.NewKeyManager(&memoryKeyRepo{})
	f.gen = jwt.NewGenerator(manager, oauth.Lifetimes)
	f.mail = &countingMailer{}
	resolver := &entitlement.Static{Entitlements: domain.Entitlements{
		Roles:            []string{"reviewer"},
		ApplicationRoles: map[string][]string{"nebula": {"editor"}},
	}}

	f.svc = service.NewAuthService(
		f.users, f.clients, f.codes, f.consents, f.tokens,
		resolver, f.gen, manager, oauth, cfg, f.mail, zap.NewNop(),
	)
	return f
}

func publicClient() domain.OAuthClient {
	return domain.OAuthClient{
		TenantID:     1,
		ClientID:     "nebula-web",
		Name:         "Nebula",
		Type:         domain.ClientTypePublic,
		RedirectURIs: []string{"https://nebula.acme.test/callback"},
		GrantTypes:   []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		PKCERequired: true,
	}
}

func confidentialClient(t *testing.T, secret string) domain.OAuthClient {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return domain.OAuthClient{
		TenantID:     1,
		ClientID:     "vega-api",
		Name:         "Vega",
		Type:         domain.ClientTypeConfidential,
		SecretHash:   string(hash),
		RedirectURIs: []string{"https://vega.acme.test/callback"},
		GrantTypes:   []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		PKCERequired: true,
	}
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorizeRequest(client domain.OAuthClient, verifier string) service.AuthorizeRequest {
	return service.AuthorizeRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               "openid profile email offline_access",
		State:               "xyz",
		Nonce:               "n-42",
		CodeChallenge:       s256(verifier),
		CodeChallengeMethod: domain.ChallengeMethodS256,
	}
}

// obtainCode walks authorize + consent and returns the minted code.
func obtainCode(t *testing.T, f *fixture, client domain.OAuthClient, verifier string) string {
	t.Helper()
	ctx := context.Background()
	principal := domain.Principal{SubjectID: 10, TenantID: 1}
	req := authorizeRequest(client, verifier)

	result, err := f.svc.Authorize(ctx, f.tenant, principal, req)
	require.NoError(t, err)
	require.True(t, result.NeedsConsent)

	redirect, err := f.svc.SubmitConsent(ctx, f.tenant, principal, req, true)
	require.NoError(t, err)

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, "xyz", parsed.Query().Get("state"))
	return codeFromRedirect(t, redirect)
}

func codeFromRedirect(t *testing.T, redirect string) string {
	t.Helper()
	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	code := parsed.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func TestAuthorizationCodeFlowPublicClient(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)

	resp, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEmpty(t, resp.RefreshToken)
	require.Equal(t, "Bearer", resp.TokenType)

	info, err := f.svc.UserInfo(ctx, f.tenant, resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "10", info.Subject)
	require.Equal(t, int64(1), info.TenantID)
	require.Equal(t, []string{"reviewer"}, info.Roles)
	require.Equal(t, map[string][]string{"nebula": {"editor"}}, info.ApplicationRoles)
	require.Equal(t, "reviewer@acme.test", info.Email)
	require.True(t, info.EmailVerified)
}

func TestAuthorizeSkipsConsentWhenAlreadyGranted(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	principal := domain.Principal{SubjectID: 10, TenantID: 1}
	const verifier = "some-verifier-with-enough-length-1234567"

	obtainCode(t, f, client, verifier)

	// Second authorization with a scope subset must skip the prompt.
	req := authorizeRequest(client, verifier)
	req.Scope = "openid profile"
	result, err := f.svc.Authorize(ctx, f.tenant, principal, req)
	require.NoError(t, err)
	require.False(t, result.NeedsConsent)
	require.Contains(t, result.RedirectURL, "code=")

	// A broader scope prompts again.
	req.Scope = "openid profile email offline_access assessments:write"
	result, err = f.svc.Authorize(ctx, f.tenant, principal, req)
	require.NoError(t, err)
	require.True(t, result.NeedsConsent)
}

func TestConsentDenialRedirectsWithAccessDenied(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	principal := domain.Principal{SubjectID: 10, TenantID: 1}
	req := authorizeRequest(client, "a-verifier-that-is-long-enough-to-count")

	redirect, err := f.svc.SubmitConsent(context.Background(), f.tenant, principal, req, false)
	require.NoError(t, err)

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, service.ErrCodeAccessDenied, parsed.Query().Get("error"))
	require.Equal(t, "xyz", parsed.Query().Get("state"))
	require.Empty(t, parsed.Query().Get("code"))
}

func TestAuthorizeRejectsMissingPKCE(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	principal := domain.Principal{SubjectID: 10, TenantID: 1}

	req := authorizeRequest(client, "irrelevant")
	req.CodeChallenge = ""

	_, err := f.svc.Authorize(context.Background(), f.tenant, principal, req)
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidRequest, oauthErr.Code)
	require.True(t, oauthErr.Redirectable)
}

func TestAuthorizeRejectsUnknownRedirectURI(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	principal := domain.Principal{SubjectID: 10, TenantID: 1}

	req := authorizeRequest(client, "irrelevant")
	req.RedirectURI = "https://evil.example/callback"

	_, err := f.svc.Authorize(context.Background(), f.tenant, principal, req)
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
	// Never redirect to an unregistered URI.
	require.False(t, oauthErr.Redirectable)
}

func TestAuthorizationCodeIsSingleUse(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)
	req := service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	}

	resp, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)

	// Replay of a consumed code fails and revokes tokens minted from it.
	_, err = f.svc.AuthorizationCodeGrant(ctx, f.tenant, req)
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)

	stored, err := f.tokens.GetByToken(ctx, 1, resp.RefreshToken)
	require.NoError(t, err)
	require.True(t, stored.Revoked)
}

func TestPKCEVerifierMismatchFails(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)

	_, err := f.svc.AuthorizationCodeGrant(context.Background(), f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: "a-completely-different-verifier-value-00",
	})
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
}

func TestConfidentialClientRequiresSecret(t *testing.T) {
	client := confidentialClient(t, "s3cret-value")
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)
	req := service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	}

	// Omitting the secret with an otherwise valid code yields invalid_client
	// and no tokens.
	_, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, req)
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidClient, oauthErr.Code)
	require.Equal(t, 401, oauthErr.Status)

	// A wrong secret fails the same way.
	req.ClientSecret = "wrong"
	_, err = f.svc.AuthorizationCodeGrant(ctx, f.tenant, req)
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidClient, oauthErr.Code)

	// The correct secret redeems the code.
	req.ClientSecret = "s3cret-value"
	resp, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)
}

func TestPublicClientMustNotSendSecret(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)

	_, err := f.svc.AuthorizationCodeGrant(context.Background(), f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		ClientSecret: "should-not-be-here",
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidRequest, oauthErr.Code)
}

func TestRefreshRotationAndFamilyRevocation(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)
	first, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	second, err := f.svc.RefreshGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEmpty(t, second.AccessToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// Reusing the rotated token burns the whole family, including the
	// freshly issued successor, and raises exactly one security alert.
	_, err = f.svc.RefreshGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: first.RefreshToken,
	})
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
	require.Equal(t, 1, f.mail.count())

	_, err = f.svc.RefreshGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantRefreshToken,
		ClientID:     client.ClientID,
		RefreshToken: second.RefreshToken,
	})
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
}

func TestRevokeIsIdempotentAndBurnsFamilies(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)
	resp, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, f.tenant, resp.RefreshToken))
	// Unknown and already-revoked tokens still succeed per RFC 7009.
	require.NoError(t, f.svc.Revoke(ctx, f.tenant, resp.RefreshToken))
	require.NoError(t, f.svc.Revoke(ctx, f.tenant, "never-issued"))

	stored, err := f.tokens.GetByToken(ctx, 1, resp.RefreshToken)
	require.NoError(t, err)
	require.True(t, stored.Revoked)
}

func TestIntrospectReportsInactiveForGarbage(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"

	out := f.svc.Introspect(ctx, f.tenant, "not-a-jwt")
	require.False(t, out.Active)

	code := obtainCode(t, f, client, verifier)
	resp, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	out = f.svc.Introspect(ctx, f.tenant, resp.AccessToken)
	require.True(t, out.Active)
	require.Equal(t, "10", out.Subject)
	require.Equal(t, client.ClientID, out.ClientID)
	require.True(t, strings.Contains(out.Scope, "openid"))
}

func TestRegisterClientGeneratesSecretForConfidential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.RegisterClient(ctx, f.tenant, service.RegisterClientInput{
		Name:         "Local Test",
		Type:         domain.ClientTypeConfidential,
		RedirectURIs: []string{"http://localhost:3000/callback"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ClientID)
	require.NotEmpty(t, created.ClientSecret)

	stored, err := f.clients.GetByClientID(ctx, 1, created.ClientID)
	require.NoError(t, err)
	require.NotEqual(t, created.ClientSecret, stored.SecretHash)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(created.ClientSecret)))

	public, err := f.svc.RegisterClient(ctx, f.tenant, service.RegisterClientInput{
		Name:         "SPA",
		Type:         domain.ClientTypePublic,
		RedirectURIs: []string{"http://localhost:3000/callback"},
	})
	require.NoError(t, err)
	require.Empty(t, public.ClientSecret)
}

func loopbackClient() domain.OAuthClient {
	return domain.OAuthClient{
		TenantID:     1,
		ClientID:     "local-spa",
		Name:         "Local SPA",
		Type:         domain.ClientTypePublic,
		RedirectURIs: []string{"http://localhost:3000/callback"},
		GrantTypes:   []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken},
		PKCERequired: true,
	}
}

func TestLoopbackRedirectPortVarianceInDevelopment(t *testing.T) {
	client := loopbackClient()
	f := newEnvFixture(t, config.EnvDevelopment, client)
	ctx := context.Background()
	principal := domain.Principal{SubjectID: 10, TenantID: 1}

	// Vite and friends pick ephemeral ports, so only the port may differ.
	req := authorizeRequest(client, "correct-horse-battery-staple-0123456789")
	req.RedirectURI = "http://localhost:5173/callback"
	result, err := f.svc.Authorize(ctx, f.tenant, principal, req)
	require.NoError(t, err)
	require.True(t, result.NeedsConsent)

	req.RedirectURI = "http://localhost:5173/other"
	_, err = f.svc.Authorize(ctx, f.tenant, principal, req)
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
	require.False(t, oauthErr.Redirectable)

	req.RedirectURI = "http://attacker.test:3000/callback"
	_, err = f.svc.Authorize(ctx, f.tenant, principal, req)
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
	require.False(t, oauthErr.Redirectable)
}

func TestLoopbackRedirectPortVarianceRejectedOutsideDevelopment(t *testing.T) {
	client := loopbackClient()
	f := newFixture(t, client)
	principal := domain.Principal{SubjectID: 10, TenantID: 1}

	req := authorizeRequest(client, "correct-horse-battery-staple-0123456789")
	req.RedirectURI = "http://localhost:5173/callback"
	_, err := f.svc.Authorize(context.Background(), f.tenant, principal, req)
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
}

func TestPlainChallengeMethod(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	principal := domain.Principal{SubjectID: 10, TenantID: 1}
	const verifier = "plain-verifier-with-enough-length-567890"

	req := authorizeRequest(client, verifier)
	req.CodeChallenge = verifier
	req.CodeChallengeMethod = domain.ChallengeMethodPlain

	redirect, err := f.svc.SubmitConsent(ctx, f.tenant, principal, req, true)
	require.NoError(t, err)
	code := codeFromRedirect(t, redirect)

	resp, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.AccessToken)

	// A mismatched verifier fails even without hashing.
	redirect, err = f.svc.SubmitConsent(ctx, f.tenant, principal, req, true)
	require.NoError(t, err)
	code = codeFromRedirect(t, redirect)

	_, err = f.svc.AuthorizationCodeGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: "plain-verifier-with-enough-length-WRONG0",
	})
	var oauthErr *service.OAuthError
	require.ErrorAs(t, err, &oauthErr)
	require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
}

func TestAccessTokenIsNotALoginSession(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"

	code := obtainCode(t, f, client, verifier)
	resp, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	})
	require.NoError(t, err)

	// A relying app's access token must not open a platform session.
	_, err = f.svc.PrincipalFromSession(ctx, f.tenant, resp.AccessToken)
	require.Error(t, err)

	session, err := f.gen.SignSessionToken(ctx, jwt.TokenInput{
		Issuer:   f.tenant.Issuer(),
		User:     f.users.user,
		TenantID: 1,
	})
	require.NoError(t, err)

	principal, err := f.svc.PrincipalFromSession(ctx, f.tenant, session)
	require.NoError(t, err)
	require.Equal(t, int64(10), principal.SubjectID)
	require.Equal(t, int64(1), principal.TenantID)

	// The converse holds too: a session token is not a resource credential.
	_, err = f.svc.UserInfo(ctx, f.tenant, session)
	require.Error(t, err)
	require.False(t, f.svc.Introspect(ctx, f.tenant, session).Active)
}

func TestConcurrentCodeRedemptionHasOneWinner(t *testing.T) {
	client := publicClient()
	f := newFixture(t, client)
	ctx := context.Background()
	const verifier = "correct-horse-battery-staple-0123456789"
	const workers = 8

	code := obtainCode(t, f, client, verifier)
	req := service.TokenRequest{
		GrantType:    domain.GrantAuthorizationCode,
		ClientID:     client.ClientID,
		Code:         code,
		RedirectURI:  client.RedirectURIs[0],
		CodeVerifier: verifier,
	}

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AuthorizationCodeGrant(ctx, f.tenant, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, replays int
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		var oauthErr *service.OAuthError
		require.ErrorAs(t, err, &oauthErr)
		require.Equal(t, service.ErrCodeInvalidGrant, oauthErr.Code)
		replays++
	}
	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, replays)
}

// --- in-memory fakes ---

type memoryUserRepo struct {
	user domain.User
}

func (m *memoryUserRepo) GetByID(ctx context.Context, tenantID, userID int64) (domain.User, error) {
	if userID != m.user.ID {
		return domain.User{}, repository.ErrNotFound
	}
	return m.user, nil
}

func (m *memoryUserRepo) GetByEmail(ctx context.Context, tenantID int64, email string) (domain.User, error) {
	if email != m.user.Email {
		return domain.User{}, repository.ErrNotFound
	}
	return m.user, nil
}

type memoryClientRepo struct {
	mu      sync.Mutex
	clients map[string]domain.OAuthClient
}

func (m *memoryClientRepo) GetByClientID(ctx context.Context, tenantID int64, clientID string) (domain.OAuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return domain.OAuthClient{}, repository.ErrNotFound
	}
	return client, nil
}

func (m *memoryClientRepo) Create(ctx context.Context, client domain.OAuthClient) (domain.OAuthClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client.ID = int64(len(m.clients) + 1)
	m.clients[client.ClientID] = client
	return client, nil
}

type memoryCodeRepo struct {
	mu    sync.Mutex
	codes map[string]domain.AuthorizationCode
}

func (m *memoryCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return nil
}

func (m *memoryCodeRepo) Consume(ctx context.Context, tenantID int64, code string) (domain.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.codes[code]
	if !ok || stored.Consumed || time.Now().After(stored.ExpiresAt) {
		return domain.AuthorizationCode{}, repository.ErrNotFound
	}
	stored.Consumed = true
	m.codes[code] = stored
	return stored, nil
}

func (m *memoryCodeRepo) Get(ctx context.Context, tenantID int64, code string) (domain.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.codes[code]
	if !ok {
		return domain.AuthorizationCode{}, repository.ErrNotFound
	}
	return stored, nil
}

type memoryConsentRepo struct {
	mu     sync.Mutex
	grants map[string]domain.ConsentGrant
}

func consentKey(userID int64, clientID string) string {
	return clientID + "/" + strconv.FormatInt(userID, 10)
}

func (m *memoryConsentRepo) Get(ctx context.Context, tenantID, userID int64, clientID string) (domain.ConsentGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[consentKey(userID, clientID)]
	if !ok {
		return domain.ConsentGrant{}, repository.ErrNotFound
	}
	return grant, nil
}

func (m *memoryConsentRepo) Upsert(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := consentKey(grant.UserID, grant.ClientID)
	if existing, ok := m.grants[key]; ok {
		grant.Scopes = domain.MergeScopes(existing.Scopes, grant.Scopes)
	}
	grant.GrantedAt = time.Now()
	m.grants[key] = grant
	return grant, nil
}

type memoryTokenRepo struct {
	mu     sync.Mutex
	tokens map[string]domain.RefreshToken
	nextID int64
}

func (m *memoryTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	token.ID = m.nextID
	token.CreatedAt = time.Now()
	m.tokens[token.Token] = token
	return token, nil
}

func (m *memoryTokenRepo) GetByToken(ctx context.Context, tenantID int64, token string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[token]
	if !ok {
		return domain.RefreshToken{}, repository.ErrNotFound
	}
	return stored, nil
}

func (m *memoryTokenRepo) MarkRotated(ctx context.Context, tenantID int64, token string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.tokens[token]
	if !ok || stored.Revoked || time.Now().After(stored.ExpiresAt) {
		return domain.RefreshToken{}, repository.ErrNotFound
	}
	now := time.Now()
	stored.Revoked = true
	stored.RotatedAt = &now
	m.tokens[token] = stored
	return stored, nil
}

func (m *memoryTokenRepo) RevokeFamily(ctx context.Context, tenantID int64, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stored := range m.tokens {
		if stored.FamilyID == familyID {
			stored.Revoked = true
			m.tokens[key] = stored
		}
	}
	return nil
}

func (m *memoryTokenRepo) RevokeByAuthCode(ctx context.Context, tenantID int64, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stored := range m.tokens {
		if stored.AuthCode == code {
			stored.Revoked = true
			m.tokens[key] = stored
		}
	}
	return nil
}

type memoryKeyRepo struct {
	keys []domain.SigningKey
}

func (m *memoryKeyRepo) GetActiveKey(ctx context.Context, tenantID int64) (domain.SigningKey, error) {
	for i := len(m.keys) - 1; i >= 0; i-- {
		if m.keys[i].TenantID == tenantID && m.keys[i].Active {
			return m.keys[i], nil
		}
	}
	return domain.SigningKey{}, repository.ErrNotFound
}

func (m *memoryKeyRepo) ListPublishable(ctx context.Context, tenantID int64) ([]domain.SigningKey, error) {
	now := time.Now()
	var out []domain.SigningKey
	for _, key := range m.keys {
		if key.TenantID == tenantID && key.Publishable(now) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (m *memoryKeyRepo) Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	key.ID = int64(len(m.keys) + 1)
	key.Active = true
	key.CreatedAt = time.Now()
	m.keys = append(m.keys, key)
	return key, nil
}

func (m *memoryKeyRepo) Retire(ctx context.Context, tenantID int64, kid string, notAfter time.Time) error {
	for i, key := range m.keys {
		if key.TenantID == tenantID && key.KID == kid {
			m.keys[i].Active = false
			m.keys[i].NotAfter = &notAfter
			return nil
		}
	}
	return errors.New("key not found")
}

type countingMailer struct {
	mu   sync.Mutex
	sent int
}

func (m *countingMailer) Send(to []string, subject, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	return nil
}

func (m *countingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}
