package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Deployment environments recognized by the resolver.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	PublicBaseURL        string
	SessionCookieName    string
	RefreshTokenBytes    int
	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	ResendAPIKey         string
	SecurityAlertFrom    string
	SecurityAlertTo      []string
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// TokenLifetimes groups the TTLs applied to issued credentials.
type TokenLifetimes struct {
	AuthorizationCode time.Duration
	AccessToken       time.Duration
	RefreshToken      time.Duration
	IDToken           time.Duration
}

// SecurityPolicy carries the non-negotiable protocol policy. RequirePKCE is
// always true; OAuth 2.1 mandates PKCE for every client type.
type SecurityPolicy struct {
	RequirePKCE    bool
	RequireConsent bool
	AllowedScopes  []string
}

// OAuthConfig is the resolved, immutable view of the authorization server:
// issuer, endpoint URLs, lifetimes, and policy. Handlers receive it by value.
type OAuthConfig struct {
	Environment           string
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	JWKSURI               string
	RegistrationEndpoint  string
	Lifetimes             TokenLifetimes
	Security              SecurityPolicy
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	cfg := Config{
		Environment:          getEnv("APP_ENV", EnvDevelopment),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		PublicBaseURL:        getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
		SessionCookieName:    getEnv("SESSION_COOKIE_NAME", "asly_session"),
		RefreshTokenBytes:    getInt("REFRESH_TOKEN_BYTES", 32),
		ServiceName:          getEnv("SERVICE_NAME", "assessly-idp"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		ResendAPIKey:         os.Getenv("RESEND_API_KEY"),
		SecurityAlertFrom:    getEnv("SECURITY_ALERT_FROM", "security@assessly.app"),
		SecurityAlertTo:      getList("SECURITY_ALERT_TO", nil),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return Config{}, fmt.Errorf("unknown APP_ENV %q", cfg.Environment)
	}

	if cfg.RefreshTokenBytes < 32 {
		cfg.RefreshTokenBytes = 32
	}

	return cfg, nil
}

// ResolveOAuth derives the OAuth server configuration from the deployment
// environment and public base URL. Pure function of its inputs: no env reads,
// no side effects. Call once at startup and pass the value down.
func ResolveOAuth(environment, baseURL string) OAuthConfig {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")

	cfg := OAuthConfig{
		Environment:           environment,
		Issuer:                base,
		AuthorizationEndpoint: base + "/oauth/authorize",
		TokenEndpoint:         base + "/oauth/token",
		UserinfoEndpoint:      base + "/oauth/userinfo",
		JWKSURI:               base + "/.well-known/jwks.json",
		Lifetimes: TokenLifetimes{
			AuthorizationCode: 10 * time.Minute,
			AccessToken:       time.Hour,
			RefreshToken:      30 * 24 * time.Hour,
			IDToken:           time.Hour,
		},
		Security: SecurityPolicy{
			RequirePKCE:    true,
			RequireConsent: true,
			AllowedScopes:  []string{"openid", "profile", "email", "offline_access", "assessments:read", "assessments:write"},
		},
	}

	switch environment {
	case EnvProduction:
		cfg.Lifetimes.AuthorizationCode = 5 * time.Minute
		cfg.Lifetimes.AccessToken = 30 * time.Minute
		cfg.Lifetimes.IDToken = 30 * time.Minute
	case EnvDevelopment:
		cfg.Lifetimes.AccessToken = 24 * time.Hour
		cfg.Lifetimes.RefreshToken = 90 * 24 * time.Hour
		cfg.Lifetimes.IDToken = 24 * time.Hour
		// Dynamic client registration is a development convenience only.
		cfg.RegistrationEndpoint = base + "/oauth/register"
	}

	return cfg
}

// RegistrationEnabled reports whether dynamic client registration is served.
func (c OAuthConfig) RegistrationEnabled() bool {
	return c.RegistrationEndpoint != ""
}

// ScopeAllowed reports whether every requested scope is in the allowed set.
func (c OAuthConfig) ScopeAllowed(requested []string) bool {
	allowed := make(map[string]struct{}, len(c.Security.AllowedScopes))
	for _, s := range c.Security.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
