package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/assessly/assessly-idp/internal/config"
	"github.com/assessly/assessly-idp/internal/entitlement"
	httptransport "github.com/assessly/assessly-idp/internal/http"
	"github.com/assessly/assessly-idp/internal/http/handler"
	"github.com/assessly/assessly-idp/internal/jwt"
	"github.com/assessly/assessly-idp/internal/mailer"
	apimiddleware "github.com/assessly/assessly-idp/internal/middleware"
	"github.com/assessly/assessly-idp/internal/obs"
	"github.com/assessly/assessly-idp/internal/repository"
	"github.com/assessly/assessly-idp/internal/server"
	"github.com/assessly/assessly-idp/internal/service"
	"github.com/assessly/assessly-idp/internal/telemetry"
	"github.com/assessly/assessly-idp/internal/tenant"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newOAuthConfig,
			newLogger,
			newTelemetry,
			newPGXPool,
			newTenantRepository,
			newUserRepository,
			newClientRepository,
			newCodeRepository,
			newConsentRepository,
			newTokenRepository,
			newKeyRepository,
			newRateLimiter,
			tenant.NewResolver,
			newKeyManager,
			newTokenGenerator,
			newEntitlementResolver,
			newMailer,
			service.NewAuthService,
			newDiscoveryService,
			handler.NewOAuthHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, registerMetrics, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newOAuthConfig(cfg config.Config) config.OAuthConfig {
	return config.ResolveOAuth(cfg.Environment, cfg.PublicBaseURL)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == config.EnvDevelopment {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newTenantRepository(pool *pgxpool.Pool) repository.TenantRepository {
	return repository.NewPostgresTenantRepo(pool)
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newClientRepository(pool *pgxpool.Pool) repository.ClientRepository {
	return repository.NewPostgresClientRepo(pool)
}

func newCodeRepository(pool *pgxpool.Pool) repository.CodeRepository {
	return repository.NewPostgresCodeRepo(pool)
}

func newConsentRepository(pool *pgxpool.Pool) repository.ConsentRepository {
	return repository.NewPostgresConsentRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return repository.NewPostgresKeyRepo(pool)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func newKeyManager(repo repository.KeyRepository) *jwt.KeyManager {
	return jwt.NewKeyManager(repo)
}

func newTokenGenerator(manager *jwt.KeyManager, oauth config.OAuthConfig) *jwt.Generator {
	return jwt.NewGenerator(manager, oauth.Lifetimes)
}

func newEntitlementResolver(pool *pgxpool.Pool) entitlement.Resolver {
	return entitlement.NewPostgresResolver(pool)
}

func newMailer(cfg config.Config, logger *zap.Logger) mailer.Mailer {
	if cfg.ResendAPIKey != "" {
		return mailer.NewResendMailer(cfg.ResendAPIKey, cfg.SecurityAlertFrom)
	}
	return &mailer.NopMailer{Logger: logger}
}

func newDiscoveryService(oauth config.OAuthConfig) *service.DiscoveryService {
	return service.NewDiscoveryService(oauth)
}

func registerMetrics() {
	obs.Init()
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
