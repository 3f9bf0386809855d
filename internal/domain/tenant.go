package domain

import "time"

// Domain represents the mapping of a public host name to a tenant.
type Domain struct {
	ID        int64
	Host      string
	TenantID  int64
	IsPrimary bool
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tenant represents an isolated customer organization.
type Tenant struct {
	ID        int64
	Name      string
	Slug      string
	Timezone  string
	IsDefault bool
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
