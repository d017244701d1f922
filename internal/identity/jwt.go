package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "channelgate/internal/errors"
)

type claims struct {
	UserID         string   `json:"userId"`
	OrganizationID string   `json:"organizationId"`
	Tier           string   `json:"tier,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator verifies HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret     []byte
	permission string
	now        func() time.Time
}

type JWTOption func(*JWTValidator)

// WithRequiredPermission rejects tokens that do not grant perm.
func WithRequiredPermission(perm string) JWTOption {
	return func(v *JWTValidator) { v.permission = perm }
}

func WithTimeFunc(now func() time.Time) JWTOption {
	return func(v *JWTValidator) { v.now = now }
}

func NewJWTValidator(secret string, opts ...JWTOption) (*JWTValidator, error) {
	if secret == "" {
		return nil, apperrors.NewConfigError("identity.jwt_secret", "identity JWT secret is required")
	}
	v := &JWTValidator{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *JWTValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, "missing token")
	}

	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperrors.NewAuthError(apperrors.ErrCodeTokenExpired, "token expired")
	case err != nil:
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, err.Error())
	}
	if c.UserID == "" || c.OrganizationID == "" {
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInvalidToken, "token lacks userId or organizationId")
	}

	id := &Identity{
		UserID:         c.UserID,
		OrganizationID: c.OrganizationID,
		Tier:           c.Tier,
		Permissions:    c.Permissions,
	}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	if c.IssuedAt != nil {
		id.IssuedAt = c.IssuedAt.Time
	}
	if !id.HasPermission(v.permission) {
		return nil, apperrors.NewAuthError(apperrors.ErrCodeInsufficientPermissions, "missing permission "+v.permission)
	}
	return id, nil
}

// Issue signs a token for id that expires after ttl. IssuedAt and ExpiresAt
// on id are ignored.
func (v *JWTValidator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	c := claims{
		UserID:         id.UserID,
		OrganizationID: id.OrganizationID,
		Tier:           id.Tier,
		Permissions:    id.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to sign token")
	}
	return signed, nil
}
