package domain

import "time"

// User represents a platform account inside a tenant.
type User struct {
	ID            int64
	TenantID      int64
	Email         string
	EmailVerified bool
	PasswordHash  string
	Name          string
	Username      string
	AvatarURL     string
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Principal is the already-authenticated platform identity the authorization
// endpoint acts on behalf of. It is derived from the platform session, not
// owned by the OAuth subsystem.
type Principal struct {
	SubjectID     int64
	TenantID      int64
	Email         string
	EmailVerified bool
	Username      string
	Name          string
	Roles         []string
}

// Entitlements are the permission facts embedded into issued tokens for a
// (user, tenant) pair.
type Entitlements struct {
	Roles            []string
	ApplicationRoles map[string][]string
	Scopes           []string
}
