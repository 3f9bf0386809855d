package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/assessly/assessly-idp/internal/config"
	"github.com/assessly/assessly-idp/internal/http/handler"
	httpmiddleware "github.com/assessly/assessly-idp/internal/http/middleware"
	"github.com/assessly/assessly-idp/internal/middleware"
	"github.com/assessly/assessly-idp/internal/obs"
	"github.com/assessly/assessly-idp/internal/tenant"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, oauthCfg config.OAuthConfig, oauthHandler *handler.OAuthHandler, resolver *tenant.Resolver, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}

	// Health and metrics stay outside tenant resolution so probes work
	// without a registered domain.
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(obs.Handler()))

	r.Use(middleware.Tenant(resolver))
	r.Use(middleware.TenantCORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/.well-known/openid-configuration", oauthHandler.OpenIDConfig)
	r.GET("/.well-known/jwks.json", oauthHandler.JWKS)

	oauth := r.Group("/oauth")
	{
		oauth.GET("/authorize", oauthHandler.Authorize)
		oauth.POST("/token", oauthHandler.Token)
		oauth.GET("/userinfo", oauthHandler.UserInfo)
		oauth.GET("/introspect", oauthHandler.Introspect)
		oauth.POST("/revoke", oauthHandler.Revoke)
	}
	if oauthCfg.RegistrationEnabled() {
		oauth.POST("/register", oauthHandler.Register)
	}

	api := r.Group("/api/oauth")
	{
		api.POST("/consent", oauthHandler.Consent)
	}

	return r
}
