// Package identity validates client bearer tokens.
package identity

import (
	"context"
	"time"
)

// Identity is the authenticated principal behind a token.
type Identity struct {
	UserID         string    `json:"userId"`
	OrganizationID string    `json:"organizationId"`
	Tier           string    `json:"tier,omitempty"`
	Permissions    []string  `json:"permissions,omitempty"`
	ExpiresAt      time.Time `json:"expiresAt"`
	IssuedAt       time.Time `json:"issuedAt"`
}

// HasPermission reports whether perm was granted. An empty perm is always
// granted.
func (id *Identity) HasPermission(perm string) bool {
	if perm == "" {
		return true
	}
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Validator resolves a token to an Identity. Errors carry one of the
// AUTH_* codes, or SERVICE_UNAVAILABLE when the check could not be made.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}
