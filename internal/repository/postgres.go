package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assessly/assessly-idp/internal/domain"
)

// Compile-time interface assertions.
var (
	_ TenantRepository  = (*PostgresTenantRepo)(nil)
	_ UserRepository    = (*PostgresUserRepo)(nil)
	_ ClientRepository  = (*PostgresClientRepo)(nil)
	_ CodeRepository    = (*PostgresCodeRepo)(nil)
	_ ConsentRepository = (*PostgresConsentRepo)(nil)
	_ TokenRepository   = (*PostgresTokenRepo)(nil)
	_ KeyRepository     = (*PostgresKeyRepo)(nil)
)

func translateErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// PostgresTenantRepo implements TenantRepository.
type PostgresTenantRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTenantRepo(db *pgxpool.Pool) *PostgresTenantRepo {
	return &PostgresTenantRepo{db: db}
}

const getDomainByHostSQL = `SELECT id, host, tenant_id, is_primary, verified, created_at, updated_at
FROM domains WHERE host = $1`

func (r *PostgresTenantRepo) GetDomainByHost(ctx context.Context, host string) (domain.Domain, error) {
	var d domain.Domain
	err := r.db.QueryRow(ctx, getDomainByHostSQL, host).Scan(
		&d.ID, &d.Host, &d.TenantID, &d.IsPrimary, &d.Verified, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return domain.Domain{}, translateErr("get domain", err)
	}
	return d, nil
}

const getTenantSQL = `SELECT id, name, slug, timezone, is_default, status, created_at, updated_at
FROM tenants WHERE id = $1`

func (r *PostgresTenantRepo) GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.db.QueryRow(ctx, getTenantSQL, tenantID).Scan(
		&t.ID, &t.Name, &t.Slug, &t.Timezone, &t.IsDefault, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Tenant{}, translateErr("get tenant", err)
	}
	return t, nil
}

// PostgresUserRepo implements UserRepository.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(db *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, tenant_id, email, email_verified, password_hash, name, username, avatar_url, status, created_at, updated_at`

func (r *PostgresUserRepo) scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.TenantID, &u.Email, &u.EmailVerified, &u.PasswordHash,
		&u.Name, &u.Username, &u.AvatarURL, &u.Status, &u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, tenantID, userID int64) (domain.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, userID)
	u, err := r.scanUser(row)
	if err != nil {
		return domain.User{}, translateErr("get user by id", err)
	}
	return u, nil
}

func (r *PostgresUserRepo) GetByEmail(ctx context.Context, tenantID int64, email string) (domain.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND email = $2`, tenantID, email)
	u, err := r.scanUser(row)
	if err != nil {
		return domain.User{}, translateErr("get user by email", err)
	}
	return u, nil
}

// PostgresClientRepo implements ClientRepository.
type PostgresClientRepo struct {
	db *pgxpool.Pool
}

func NewPostgresClientRepo(db *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{db: db}
}

const clientColumns = `id, tenant_id, client_id, name, type, secret_hash, redirect_uris, post_logout_redirect_uris, grant_types, pkce_required, created_at, updated_at`

func scanClient(row pgx.Row) (domain.OAuthClient, error) {
	var c domain.OAuthClient
	err := row.Scan(
		&c.ID, &c.TenantID, &c.ClientID, &c.Name, &c.Type, &c.SecretHash,
		&c.RedirectURIs, &c.PostLogoutRedirectURIs, &c.GrantTypes,
		&c.PKCERequired, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func (r *PostgresClientRepo) GetByClientID(ctx context.Context, tenantID int64, clientID string) (domain.OAuthClient, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE tenant_id = $1 AND client_id = $2`,
		tenantID, clientID)
	c, err := scanClient(row)
	if err != nil {
		return domain.OAuthClient{}, translateErr("get client", err)
	}
	return c, nil
}

const insertClientSQL = `INSERT INTO oauth_clients
(tenant_id, client_id, name, type, secret_hash, redirect_uris, post_logout_redirect_uris, grant_types, pkce_required)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING ` + clientColumns

func (r *PostgresClientRepo) Create(ctx context.Context, client domain.OAuthClient) (domain.OAuthClient, error) {
	row := r.db.QueryRow(ctx, insertClientSQL,
		client.TenantID, client.ClientID, client.Name, client.Type, client.SecretHash,
		client.RedirectURIs, client.PostLogoutRedirectURIs, client.GrantTypes, client.PKCERequired,
	)
	created, err := scanClient(row)
	if err != nil {
		return domain.OAuthClient{}, fmt.Errorf("create client: %w", err)
	}
	return created, nil
}

// PostgresCodeRepo implements CodeRepository.
type PostgresCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCodeRepo(db *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: db}
}

const codeColumns = `code, tenant_id, user_id, client_id, redirect_uri, scopes, code_challenge, code_challenge_method, nonce, created_at, expires_at, consumed`

func scanCode(row pgx.Row) (domain.AuthorizationCode, error) {
	var c domain.AuthorizationCode
	err := row.Scan(
		&c.Code, &c.TenantID, &c.UserID, &c.ClientID, &c.RedirectURI, &c.Scopes,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce,
		&c.CreatedAt, &c.ExpiresAt, &c.Consumed,
	)
	return c, err
}

const insertCodeSQL = `INSERT INTO oauth_codes
(code, tenant_id, user_id, client_id, redirect_uri, scopes, code_challenge, code_challenge_method, nonce, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func (r *PostgresCodeRepo) Create(ctx context.Context, code domain.AuthorizationCode) error {
	_, err := r.db.Exec(ctx, insertCodeSQL,
		code.Code, code.TenantID, code.UserID, code.ClientID, code.RedirectURI,
		code.Scopes, code.CodeChallenge, code.CodeChallengeMethod, code.Nonce, code.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	return nil
}

// consumeCodeSQL is the single-use compare-and-swap: only an unconsumed,
// unexpired code matches, so concurrent redemptions produce exactly one row.
const consumeCodeSQL = `UPDATE oauth_codes SET consumed = true
WHERE tenant_id = $1 AND code = $2 AND consumed = false AND expires_at > now()
RETURNING ` + codeColumns

func (r *PostgresCodeRepo) Consume(ctx context.Context, tenantID int64, code string) (domain.AuthorizationCode, error) {
	c, err := scanCode(r.db.QueryRow(ctx, consumeCodeSQL, tenantID, code))
	if err != nil {
		return domain.AuthorizationCode{}, translateErr("consume code", err)
	}
	return c, nil
}

func (r *PostgresCodeRepo) Get(ctx context.Context, tenantID int64, code string) (domain.AuthorizationCode, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM oauth_codes WHERE tenant_id = $1 AND code = $2`,
		tenantID, code)
	c, err := scanCode(row)
	if err != nil {
		return domain.AuthorizationCode{}, translateErr("get code", err)
	}
	return c, nil
}

// PostgresConsentRepo implements ConsentRepository.
type PostgresConsentRepo struct {
	db *pgxpool.Pool
}

func NewPostgresConsentRepo(db *pgxpool.Pool) *PostgresConsentRepo {
	return &PostgresConsentRepo{db: db}
}

const consentColumns = `id, tenant_id, user_id, client_id, scopes, granted_at, updated_at`

func scanConsent(row pgx.Row) (domain.ConsentGrant, error) {
	var g domain.ConsentGrant
	err := row.Scan(&g.ID, &g.TenantID, &g.UserID, &g.ClientID, &g.Scopes, &g.GrantedAt, &g.UpdatedAt)
	return g, err
}

func (r *PostgresConsentRepo) Get(ctx context.Context, tenantID, userID int64, clientID string) (domain.ConsentGrant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+consentColumns+` FROM consent_grants WHERE tenant_id = $1 AND user_id = $2 AND client_id = $3`,
		tenantID, userID, clientID)
	g, err := scanConsent(row)
	if err != nil {
		return domain.ConsentGrant{}, translateErr("get consent", err)
	}
	return g, nil
}

// upsertConsentSQL unions scopes server-side so concurrent approvals never
// lose a previously granted scope.
const upsertConsentSQL = `INSERT INTO consent_grants (tenant_id, user_id, client_id, scopes)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, user_id, client_id) DO UPDATE SET
	scopes = ARRAY(SELECT DISTINCT unnest(consent_grants.scopes || EXCLUDED.scopes)),
	updated_at = now()
RETURNING ` + consentColumns

func (r *PostgresConsentRepo) Upsert(ctx context.Context, grant domain.ConsentGrant) (domain.ConsentGrant, error) {
	row := r.db.QueryRow(ctx, upsertConsentSQL, grant.TenantID, grant.UserID, grant.ClientID, grant.Scopes)
	g, err := scanConsent(row)
	if err != nil {
		return domain.ConsentGrant{}, fmt.Errorf("upsert consent: %w", err)
	}
	return g, nil
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(db *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

const tokenColumns = `id, tenant_id, user_id, client_id, token, scopes, family_id, auth_code, created_at, expires_at, rotated_at, revoked`

func scanToken(row pgx.Row) (domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := row.Scan(
		&t.ID, &t.TenantID, &t.UserID, &t.ClientID, &t.Token, &t.Scopes,
		&t.FamilyID, &t.AuthCode, &t.CreatedAt, &t.ExpiresAt, &t.RotatedAt, &t.Revoked,
	)
	return t, err
}

const insertTokenSQL = `INSERT INTO refresh_tokens
(tenant_id, user_id, client_id, token, scopes, family_id, auth_code, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	row := r.db.QueryRow(ctx, insertTokenSQL,
		token.TenantID, token.UserID, token.ClientID, token.Token,
		token.Scopes, token.FamilyID, token.AuthCode, token.ExpiresAt,
	)
	t, err := scanToken(row)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}
	return t, nil
}

func (r *PostgresTokenRepo) GetByToken(ctx context.Context, tenantID int64, token string) (domain.RefreshToken, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM refresh_tokens WHERE tenant_id = $1 AND token = $2`,
		tenantID, token)
	t, err := scanToken(row)
	if err != nil {
		return domain.RefreshToken{}, translateErr("get refresh token", err)
	}
	return t, nil
}

// markRotatedSQL is the rotation compare-and-swap: the presented token is
// revoked only if it was still live, so exactly one concurrent refresh wins.
const markRotatedSQL = `UPDATE refresh_tokens SET revoked = true, rotated_at = now()
WHERE tenant_id = $1 AND token = $2 AND revoked = false AND expires_at > now()
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) MarkRotated(ctx context.Context, tenantID int64, token string) (domain.RefreshToken, error) {
	t, err := scanToken(r.db.QueryRow(ctx, markRotatedSQL, tenantID, token))
	if err != nil {
		return domain.RefreshToken{}, translateErr("rotate refresh token", err)
	}
	return t, nil
}

func (r *PostgresTokenRepo) RevokeFamily(ctx context.Context, tenantID int64, familyID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE tenant_id = $1 AND family_id = $2 AND revoked = false`,
		tenantID, familyID)
	if err != nil {
		return fmt.Errorf("revoke family: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeByAuthCode(ctx context.Context, tenantID int64, code string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE tenant_id = $1 AND auth_code = $2 AND revoked = false`,
		tenantID, code)
	if err != nil {
		return fmt.Errorf("revoke by auth code: %w", err)
	}
	return nil
}

// PostgresKeyRepo implements KeyRepository.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(db *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: db}
}

const keyColumns = `id, tenant_id, kid, algorithm, private_key_pem, active, not_before, not_after, created_at`

func scanKey(row pgx.Row) (domain.SigningKey, error) {
	var k domain.SigningKey
	err := row.Scan(
		&k.ID, &k.TenantID, &k.KID, &k.Algorithm, &k.PrivateKeyPEM,
		&k.Active, &k.NotBefore, &k.NotAfter, &k.CreatedAt,
	)
	return k, err
}

func (r *PostgresKeyRepo) GetActiveKey(ctx context.Context, tenantID int64) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = $1 AND active = true`, tenantID)
	k, err := scanKey(row)
	if err != nil {
		return domain.SigningKey{}, translateErr("get active key", err)
	}
	return k, nil
}

func (r *PostgresKeyRepo) ListPublishable(ctx context.Context, tenantID int64) ([]domain.SigningKey, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+keyColumns+` FROM signing_keys
		WHERE tenant_id = $1 AND (active = true OR not_after IS NULL OR not_after > now())
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.SigningKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

const insertKeySQL = `INSERT INTO signing_keys (tenant_id, kid, algorithm, private_key_pem, active, not_before)
VALUES ($1, $2, $3, $4, true, now())
RETURNING ` + keyColumns

func (r *PostgresKeyRepo) Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx, insertKeySQL, key.TenantID, key.KID, key.Algorithm, key.PrivateKeyPEM)
	k, err := scanKey(row)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("insert key: %w", err)
	}
	return k, nil
}

func (r *PostgresKeyRepo) Retire(ctx context.Context, tenantID int64, kid string, notAfter time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE signing_keys SET active = false, not_after = $3 WHERE tenant_id = $1 AND kid = $2`,
		tenantID, kid, notAfter)
	if err != nil {
		return fmt.Errorf("retire key: %w", err)
	}
	return nil
}
