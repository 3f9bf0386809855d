package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/assessly/assessly-idp/internal/config"
	"github.com/assessly/assessly-idp/internal/domain"
	"github.com/assessly/assessly-idp/internal/middleware"
	"github.com/assessly/assessly-idp/internal/obs"
	"github.com/assessly/assessly-idp/internal/service"
)

// OAuthHandler orchestrates the authorization server endpoints.
type OAuthHandler struct {
	Auth      *service.AuthService
	Discovery *service.DiscoveryService
	Cfg       config.Config
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(auth *service.AuthService, discovery *service.DiscoveryService, cfg config.Config) *OAuthHandler {
	return &OAuthHandler{Auth: auth, Discovery: discovery, Cfg: cfg}
}

// authorizeParams mirrors the /oauth/authorize query string.
type authorizeParams struct {
	ClientID            string `form:"client_id"`
	ResponseType        string `form:"response_type"`
	RedirectURI         string `form:"redirect_uri"`
	Scope               string `form:"scope"`
	State               string `form:"state"`
	Nonce               string `form:"nonce"`
	CodeChallenge       string `form:"code_challenge"`
	CodeChallengeMethod string `form:"code_challenge_method"`
}

func (p authorizeParams) toRequest() service.AuthorizeRequest {
	return service.AuthorizeRequest{
		ClientID:            strings.TrimSpace(p.ClientID),
		ResponseType:        strings.TrimSpace(p.ResponseType),
		RedirectURI:         strings.TrimSpace(p.RedirectURI),
		Scope:               p.Scope,
		State:               p.State,
		Nonce:               p.Nonce,
		CodeChallenge:       strings.TrimSpace(p.CodeChallenge),
		CodeChallengeMethod: strings.TrimSpace(p.CodeChallengeMethod),
	}
}

// Authorize handles GET /oauth/authorize: it resolves the platform session,
// defers to login or consent when needed, and otherwise redirects back to the
// client with a code.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}

	var params authorizeParams
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrCodeInvalidRequest, "error_description": "Invalid authorize request."})
		return
	}
	req := params.toRequest()

	// Only the platform session cookie authenticates /oauth/authorize.
	// Without one the user goes through the regular login flow and re-enters
	// with the same query string.
	sessionToken, _ := c.Cookie(h.Cfg.SessionCookieName)
	if strings.TrimSpace(sessionToken) == "" {
		c.Redirect(http.StatusFound, h.loginURL(c))
		return
	}

	principal, err := h.Auth.PrincipalFromSession(c.Request.Context(), tenantCtx, sessionToken)
	if err != nil {
		c.Redirect(http.StatusFound, h.loginURL(c))
		return
	}

	result, err := h.Auth.Authorize(c.Request.Context(), tenantCtx, principal, req)
	if err != nil {
		h.authorizeError(c, req, err)
		return
	}

	if result.NeedsConsent {
		c.Redirect(http.StatusFound, h.consentURL(c))
		return
	}
	c.Redirect(http.StatusFound, result.RedirectURL)
}

// consentParams mirrors the authorize params plus the user's decision.
type consentParams struct {
	authorizeParams
	Approved bool `form:"approved" json:"approved"`
}

// Consent handles POST /api/oauth/consent and answers with the redirect URL
// the consent UI should navigate to.
func (h *OAuthHandler) Consent(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}

	var params consentParams
	if err := c.ShouldBind(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrCodeInvalidRequest, "error_description": "Invalid consent request."})
		return
	}

	sessionToken, _ := c.Cookie(h.Cfg.SessionCookieName)
	principal, err := h.Auth.PrincipalFromSession(c.Request.Context(), tenantCtx, sessionToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Login required."})
		return
	}

	redirectURL, err := h.Auth.SubmitConsent(c.Request.Context(), tenantCtx, principal, params.toRequest(), params.Approved)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redirect_url": redirectURL})
}

// Token handles POST /oauth/token grant exchanges.
func (h *OAuthHandler) Token(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}

	var req struct {
		GrantType    string `form:"grant_type" binding:"required"`
		ClientID     string `form:"client_id"`
		ClientSecret string `form:"client_secret"`
		Code         string `form:"code"`
		RedirectURI  string `form:"redirect_uri"`
		CodeVerifier string `form:"code_verifier"`
		RefreshToken string `form:"refresh_token"`
	}
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrCodeInvalidRequest, "error_description": "Invalid token request."})
		return
	}

	tokenReq := service.TokenRequest{
		GrantType:    strings.ToLower(strings.TrimSpace(req.GrantType)),
		ClientID:     strings.TrimSpace(req.ClientID),
		ClientSecret: req.ClientSecret,
		Code:         strings.TrimSpace(req.Code),
		RedirectURI:  strings.TrimSpace(req.RedirectURI),
		CodeVerifier: strings.TrimSpace(req.CodeVerifier),
		RefreshToken: strings.TrimSpace(req.RefreshToken),
	}

	var (
		resp *service.TokenResponse
		err  error
	)
	switch tokenReq.GrantType {
	case domain.GrantAuthorizationCode:
		resp, err = h.Auth.AuthorizationCodeGrant(c.Request.Context(), tenantCtx, tokenReq)
	case domain.GrantRefreshToken:
		resp, err = h.Auth.RefreshGrant(c.Request.Context(), tenantCtx, tokenReq)
	default:
		obs.GrantFailed(tokenReq.GrantType, service.ErrCodeUnsupportedGrant)
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrCodeUnsupportedGrant, "error_description": "Unsupported grant type."})
		return
	}

	if err != nil {
		var oauthErr *service.OAuthError
		if errors.As(err, &oauthErr) {
			obs.GrantFailed(tokenReq.GrantType, oauthErr.Code)
		} else {
			obs.GrantFailed(tokenReq.GrantType, service.ErrCodeServerError)
		}
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// UserInfo handles GET /oauth/userinfo.
func (h *OAuthHandler) UserInfo(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}

	token, ok := bearerToken(c)
	if !ok {
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token", "error_description": "Authorization header missing or invalid."})
		return
	}

	info, err := h.Auth.UserInfo(c.Request.Context(), tenantCtx, token)
	if err != nil {
		c.Header("WWW-Authenticate", "Bearer")
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Introspect handles GET /oauth/introspect for resource servers.
func (h *OAuthHandler) Introspect(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}

	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		if t, ok := bearerToken(c); ok {
			token = t
		}
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrCodeInvalidRequest, "error_description": "token is required."})
		return
	}

	c.JSON(http.StatusOK, h.Auth.Introspect(c.Request.Context(), tenantCtx, token))
}

// Revoke handles POST /oauth/revoke per RFC 7009.
func (h *OAuthHandler) Revoke(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}

	var req struct {
		Token string `form:"token" json:"token" binding:"required"`
	}
	if err := c.ShouldBind(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrCodeInvalidRequest, "error_description": "token is required."})
		return
	}
	if err := h.Auth.Revoke(c.Request.Context(), tenantCtx, req.Token); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// Register handles POST /oauth/register. Only served in development; the
// router never mounts it elsewhere, and the handler double-checks.
func (h *OAuthHandler) Register(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}
	if !h.Auth.OAuthConfig().RegistrationEnabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": service.ErrCodeInvalidRequest, "error_description": "Registration is disabled."})
		return
	}

	var req struct {
		Name         string   `json:"client_name"`
		Type         string   `json:"client_type"`
		RedirectURIs []string `json:"redirect_uris"`
		GrantTypes   []string `json:"grant_types"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrCodeInvalidRequest, "error_description": "Invalid registration request."})
		return
	}
	if req.Type == "" {
		req.Type = string(domain.ClientTypePublic)
	}

	created, err := h.Auth.RegisterClient(c.Request.Context(), tenantCtx, service.RegisterClientInput{
		Name:         req.Name,
		Type:         domain.ClientType(req.Type),
		RedirectURIs: req.RedirectURIs,
		GrantTypes:   req.GrantTypes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// OpenIDConfig returns the OIDC discovery document.
func (h *OAuthHandler) OpenIDConfig(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, h.Discovery.OpenIDConfigurationResponse(tenantCtx.Issuer()))
}

// JWKS exposes tenant public keys.
func (h *OAuthHandler) JWKS(c *gin.Context) {
	tenantCtx, ok := middleware.GetTenantContext(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_tenant", "error_description": "Tenant not resolved."})
		return
	}

	jwks, err := h.Auth.JWKS(c.Request.Context(), tenantCtx.Tenant.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": service.ErrCodeServerError, "error_description": "Could not load key set."})
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, jwks)
}

// authorizeError delivers redirect-safe errors to the client application and
// renders everything else as JSON.
func (h *OAuthHandler) authorizeError(c *gin.Context, req service.AuthorizeRequest, err error) {
	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		if oauthErr.Redirectable {
			target, parseErr := url.Parse(req.RedirectURI)
			if parseErr == nil {
				q := target.Query()
				q.Set("error", oauthErr.Code)
				q.Set("error_description", oauthErr.Description)
				if req.State != "" {
					q.Set("state", req.State)
				}
				target.RawQuery = q.Encode()
				c.Redirect(http.StatusFound, target.String())
				return
			}
		}
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}
	zap.L().Error("authorize failure", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": service.ErrCodeServerError, "error_description": "Internal server error."})
}

func (h *OAuthHandler) respondError(c *gin.Context, err error) {
	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		c.JSON(oauthErr.Status, gin.H{"error": oauthErr.Code, "error_description": oauthErr.Description})
		return
	}
	zap.L().Error("oauth service failure", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": service.ErrCodeServerError, "error_description": "Internal server error."})
}

// loginURL rebuilds the platform login URL carrying the original authorize
// query so the flow re-enters after authentication.
func (h *OAuthHandler) loginURL(c *gin.Context) string {
	login := &url.URL{
		Scheme:   schemeOnly(c.Request),
		Host:     c.Request.Host,
		Path:     "/login",
		RawQuery: c.Request.URL.RawQuery,
	}
	return login.String()
}

// consentURL points the user agent at the consent screen with the original
// request parameters carried opaquely.
func (h *OAuthHandler) consentURL(c *gin.Context) string {
	consent := &url.URL{
		Scheme:   schemeOnly(c.Request),
		Host:     c.Request.Host,
		Path:     "/consent",
		RawQuery: c.Request.URL.RawQuery,
	}
	return consent.String()
}

func bearerToken(c *gin.Context) (string, bool) {
	authz := c.GetHeader("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func schemeOnly(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	return scheme
}
