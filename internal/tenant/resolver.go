package tenant

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/assessly/assessly-idp/internal/cache"
	"github.com/assessly/assessly-idp/internal/domain"
	"github.com/assessly/assessly-idp/internal/repository"
)

// resolveCacheTTL bounds how stale a cached tenant context may be.
const resolveCacheTTL = time.Minute

// Context stores resolved tenant metadata used throughout the request lifecycle.
type Context struct {
	Domain domain.Domain
	Tenant domain.Tenant
}

// Issuer returns the canonical issuer URL for the tenant's primary host.
func (c *Context) Issuer() string {
	if c.Domain.Host == "" {
		return ""
	}
	return "https://" + c.Domain.Host
}

// Resolver loads tenant metadata from the repository, with a read-through TTL
// cache so hot paths avoid a store round trip per request.
type Resolver struct {
	repo  repository.TenantRepository
	cache *cache.TTL[string, *Context]
}

// NewResolver creates a tenant resolver.
func NewResolver(repo repository.TenantRepository) *Resolver {
	return &Resolver{
		repo:  repo,
		cache: cache.NewTTL[string, *Context](resolveCacheTTL),
	}
}

// Resolve loads tenant information from a host header.
func (r *Resolver) Resolve(ctx context.Context, host string) (*Context, error) {
	cleaned := strings.ToLower(strings.TrimSpace(host))
	if cleaned == "" {
		zap.L().Warn("tenant resolver received empty host")
		return nil, fmt.Errorf("resolve tenant: empty host")
	}

	if cached, ok := r.cache.Get(cleaned); ok {
		return cached, nil
	}

	domainRow, err := r.repo.GetDomainByHost(ctx, cleaned)
	if err != nil {
		zap.L().Error("failed to resolve domain", zap.String("host", cleaned), zap.Error(err))
		return nil, fmt.Errorf("resolve domain: %w", err)
	}

	tenantRow, err := r.repo.GetTenant(ctx, domainRow.TenantID)
	if err != nil {
		zap.L().Error("failed to resolve tenant", zap.String("host", cleaned), zap.Int64("tenant_id", domainRow.TenantID), zap.Error(err))
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	zap.L().Debug("tenant context resolved", zap.String("host", cleaned), zap.Int64("tenant_id", tenantRow.ID))

	resolved := &Context{Domain: domainRow, Tenant: tenantRow}
	r.cache.Set(cleaned, resolved)
	return resolved, nil
}
