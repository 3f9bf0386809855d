package repository

import (
	"context"
	"errors"
	"time"

	"github.com/assessly/assessly-idp/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row. Postgres
// implementations translate pgx.ErrNoRows into it so callers never depend on
// the driver.
var ErrNotFound = errors.New("repository: not found")

// TenantRepository loads tenant metadata.
type TenantRepository interface {
	GetDomainByHost(ctx context.Context, host string) (domain.Domain, error)
	GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error)
}

// UserRepository loads platform accounts.
type UserRepository interface {
	GetByID(ctx context.Context, tenantID, userID int64) (domain.User, error)
	GetByEmail(ctx context.Context, tenantID int64, email string) (domain.User, error)
}

// ClientRepository holds registered OAuth clients.
type ClientRepository interface {
	GetByClientID(ctx context.Context, tenantID int64, clientID string) (domain.OAuthClient, error)
	Create(ctx context.Context, client domain.OAuthClient) (domain.OAuthClient, error)
}

// CodeRepository persists single-use authorization codes.
type CodeRepository interface {
	Create(ctx context.Context, code domain.AuthorizationCode) error
	// Consume atomically marks an unconsumed, unexpired code as consumed and
	// returns it. Under concurrent redemption exactly one caller wins; the
	// rest get ErrNotFound.
	Consume(ctx context.Context, tenantID int64, code string) (domain.AuthorizationCode, error)
	// Get returns the code regardless of consumption state, for replay
	// detection after a failed Consume.
	Get(ctx context.Context, tenantID int64, code string) (domain.AuthorizationCode, error)
}

// ConsentRepository persists per-(user, client) consent grants.
type ConsentRepository interface {
	Get(ctx context.Context, tenantID, userID int64, clientID string) (domain.ConsentGrant, error)
	// Upsert stores the grant, unioning scopes with any existing row.
	Upsert(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error)
}

// TokenRepository persists refresh tokens with rotation-on-use semantics.
type TokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error)
	GetByToken(ctx context.Context, tenantID int64, token string) (domain.RefreshToken, error)
	// MarkRotated atomically revokes an unrevoked token and returns it.
	// ErrNotFound means the token was unknown or already rotated.
	MarkRotated(ctx context.Context, tenantID int64, token string) (domain.RefreshToken, error)
	RevokeFamily(ctx context.Context, tenantID int64, familyID string) error
	// RevokeByAuthCode revokes every token minted from the given
	// authorization code. Used when a consumed code is replayed.
	RevokeByAuthCode(ctx context.Context, tenantID int64, code string) error
}

// KeyRepository persists signing keys.
type KeyRepository interface {
	GetActiveKey(ctx context.Context, tenantID int64) (domain.SigningKey, error)
	ListPublishable(ctx context.Context, tenantID int64) ([]domain.SigningKey, error)
	Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
	// Retire demotes the currently active key, keeping it publishable until
	// notAfter so outstanding tokens still verify.
	Retire(ctx context.Context, tenantID int64, kid string, notAfter time.Time) error
}
