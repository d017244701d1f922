package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "channelgate/internal/errors"
)

const jwtSecret = "identity-test-secret"

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestJWTValidator_IssueAndValidate(t *testing.T) {
	v, err := NewJWTValidator(jwtSecret, WithTimeFunc(fixedNow))
	require.NoError(t, err)

	token, err := v.Issue(Identity{UserID: "u-1", OrganizationID: "org-1", Tier: "pro", Permissions: []string{"gateway"}}, time.Hour)
	require.NoError(t, err)

	id, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.UserID)
	assert.Equal(t, "org-1", id.OrganizationID)
	assert.Equal(t, "pro", id.Tier)
	assert.Equal(t, []string{"gateway"}, id.Permissions)
	assert.True(t, id.IssuedAt.Equal(fixedNow()))
	assert.True(t, id.ExpiresAt.Equal(fixedNow().Add(time.Hour)))
}

func TestJWTValidator_Rejections(t *testing.T) {
	issuer, err := NewJWTValidator(jwtSecret, WithTimeFunc(fixedNow))
	require.NoError(t, err)
	valid, err := issuer.Issue(Identity{UserID: "u-1", OrganizationID: "org-1"}, time.Hour)
	require.NoError(t, err)

	other, err := NewJWTValidator("another-secret", WithTimeFunc(fixedNow))
	require.NoError(t, err)
	forged, err := other.Issue(Identity{UserID: "u-1", OrganizationID: "org-1"}, time.Hour)
	require.NoError(t, err)

	noOrg, err := issuer.Issue(Identity{UserID: "u-1"}, time.Hour)
	require.NoError(t, err)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"userId": "u-1", "organizationId": "org-1", "exp": fixedNow().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": "u-1", "organizationId": "org-1",
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)

	later := func() time.Time { return fixedNow().Add(2 * time.Hour) }

	tests := []struct {
		name  string
		opts  []JWTOption
		token string
		want  apperrors.ErrorCode
	}{
		{"empty", nil, "", apperrors.ErrCodeInvalidToken},
		{"garbage", nil, "not-a-jwt", apperrors.ErrCodeInvalidToken},
		{"wrong secret", nil, forged, apperrors.ErrCodeInvalidToken},
		{"wrong algorithm", nil, hs512, apperrors.ErrCodeInvalidToken},
		{"missing expiry", nil, noExp, apperrors.ErrCodeInvalidToken},
		{"missing organization", nil, noOrg, apperrors.ErrCodeInvalidToken},
		{"expired", []JWTOption{WithTimeFunc(later)}, valid, apperrors.ErrCodeTokenExpired},
		{"missing permission", []JWTOption{WithRequiredPermission("gateway")}, valid, apperrors.ErrCodeInsufficientPermissions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]JWTOption{WithTimeFunc(fixedNow)}, tt.opts...)
			v, err := NewJWTValidator(jwtSecret, opts...)
			require.NoError(t, err)
			_, err = v.ValidateToken(context.Background(), tt.token)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.GetCode(err))
		})
	}
}

func TestNewJWTValidator_RequiresSecret(t *testing.T) {
	_, err := NewJWTValidator("")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidConfig))
}
