// Package entitlement maps (user, tenant) to the roles and scopes embedded in
// issued tokens. The survey platform owns the underlying role assignment
// tables; this subsystem only reads them.
package entitlement

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assessly/assessly-idp/internal/domain"
)

// Resolver supplies permission facts for claim assembly.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, userID int64) (domain.Entitlements, error)
}

// PostgresResolver reads role assignments from the platform schema.
type PostgresResolver struct {
	db *pgxpool.Pool
}

var _ Resolver = (*PostgresResolver)(nil)

func NewPostgresResolver(db *pgxpool.Pool) *PostgresResolver {
	return &PostgresResolver{db: db}
}

const listRolesSQL = `SELECT role, application FROM role_assignments
WHERE tenant_id = $1 AND user_id = $2 ORDER BY application, role`

// Resolve returns platform roles (application = '') and per-application roles
// for the satellite apps.
func (r *PostgresResolver) Resolve(ctx context.Context, tenantID, userID int64) (domain.Entitlements, error) {
	rows, err := r.db.Query(ctx, listRolesSQL, tenantID, userID)
	if err != nil {
		return domain.Entitlements{}, fmt.Errorf("list role assignments: %w", err)
	}
	defer rows.Close()

	ent := domain.Entitlements{ApplicationRoles: make(map[string][]string)}
	for rows.Next() {
		var role, application string
		if err := rows.Scan(&role, &application); err != nil {
			return domain.Entitlements{}, fmt.Errorf("scan role assignment: %w", err)
		}
		if application == "" {
			ent.Roles = append(ent.Roles, role)
			continue
		}
		ent.ApplicationRoles[application] = append(ent.ApplicationRoles[application], role)
	}
	if err := rows.Err(); err != nil {
		return domain.Entitlements{}, fmt.Errorf("list role assignments: %w", err)
	}
	if len(ent.ApplicationRoles) == 0 {
		ent.ApplicationRoles = nil
	}
	return ent, nil
}

// Static returns fixed entitlements; used in tests and single-tenant dev mode.
type Static struct {
	Entitlements domain.Entitlements
}

var _ Resolver = (*Static)(nil)

func (s *Static) Resolve(ctx context.Context, tenantID, userID int64) (domain.Entitlements, error) {
	return s.Entitlements, nil
}
