package tenant_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assessly/assessly-idp/internal/domain"
	"github.com/assessly/assessly-idp/internal/tenant"
)

func TestResolverResolve(t *testing.T) {
	repo := &mockTenantRepo{}
	resolver := tenant.NewResolver(repo)

	ctx, err := resolver.Resolve(context.Background(), "acme.assessly.app")
	require.NoError(t, err)
	require.Equal(t, int64(1), ctx.Tenant.ID)
	require.Equal(t, "Acme", ctx.Tenant.Name)
	require.Equal(t, "https://acme.assessly.app", ctx.Issuer())
}

func TestResolverCachesByHost(t *testing.T) {
	repo := &mockTenantRepo{}
	resolver := tenant.NewResolver(repo)

	_, err := resolver.Resolve(context.Background(), "acme.assessly.app")
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), "ACME.assessly.app")
	require.NoError(t, err)
	require.Equal(t, 1, repo.domainLookups, "second resolve must come from cache")
}

func TestResolverEmptyHost(t *testing.T) {
	resolver := tenant.NewResolver(&mockTenantRepo{})
	_, err := resolver.Resolve(context.Background(), "   ")
	require.Error(t, err)
}

type mockTenantRepo struct {
	domainLookups int
}

func (m *mockTenantRepo) GetDomainByHost(ctx context.Context, host string) (domain.Domain, error) {
	m.domainLookups++
	return domain.Domain{ID: 1, Host: host, TenantID: 1, IsPrimary: true, Verified: true}, nil
}

func (m *mockTenantRepo) GetTenant(ctx context.Context, tenantID int64) (domain.Tenant, error) {
	return domain.Tenant{ID: tenantID, Name: "Acme", Slug: "acme", Status: "active"}, nil
}
