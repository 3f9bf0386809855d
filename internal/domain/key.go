package domain

import "time"

// SigningKey stores one RSA signing key. Exactly one key per tenant is active
// for signing at a time; retired keys stay published in JWKS until NotAfter so
// outstanding tokens keep verifying through a rotation.
type SigningKey struct {
	ID            int64
	TenantID      int64
	KID           string
	Algorithm     string
	PrivateKeyPEM []byte
	Active        bool
	NotBefore     time.Time
	NotAfter      *time.Time
	CreatedAt     time.Time
}

// Retired reports whether the key has been rotated out of signing duty.
func (k SigningKey) Retired() bool {
	return !k.Active
}

// Publishable reports whether the key should still appear in JWKS.
func (k SigningKey) Publishable(now time.Time) bool {
	if k.Active {
		return true
	}
	return k.NotAfter == nil || now.Before(*k.NotAfter)
}
