package domain

import "time"

// ConsentGrant records that a user authorized a client for a set of scopes.
// Grants are per (subject, client); later approvals union into the same row so
// repeat authorizations with a covered scope skip the interactive prompt.
type ConsentGrant struct {
	ID        int64
	TenantID  int64
	UserID    int64
	ClientID  string
	Scopes    []string
	GrantedAt time.Time
	UpdatedAt time.Time
}

// Covers reports whether every requested scope is already granted.
func (g ConsentGrant) Covers(requested []string) bool {
	granted := make(map[string]struct{}, len(g.Scopes))
	for _, s := range g.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// MergeScopes returns the union of granted and newly approved scopes,
// preserving the order of first appearance.
func MergeScopes(granted, approved []string) []string {
	seen := make(map[string]struct{}, len(granted)+len(approved))
	var merged []string
	for _, s := range append(append([]string{}, granted...), approved...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
	}
	return merged
}
