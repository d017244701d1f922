package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/constants"
	"channelgate/internal/identity"
)

func setupTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv(constants.EnvVaultSecret, "cli-test-vault-secret-with-enough-length")
	t.Setenv(constants.EnvIdentitySecret, "cli-test-jwt-secret")
	t.Setenv("CHANNELGATE_DATABASE_PATH", filepath.Join(t.TempDir(), "cli.db"))
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "channelgate "+Version)
}

func TestVaultCommands(t *testing.T) {
	setupTestEnv(t)

	record, err := execute(t, `{"botToken":"123:abc","apiBase":"https://example.test"}`, "vault", "encrypt")
	require.NoError(t, err)
	record = strings.TrimSpace(record)
	assert.NotEmpty(t, record)
	assert.NotContains(t, record, "123:abc")

	out, err := execute(t, record+"\n", "vault", "decrypt")
	require.NoError(t, err)
	assert.Contains(t, out, `"botToken": "123:abc"`)
	assert.Contains(t, out, `"apiBase": "https://example.test"`)
}

func TestVaultCommandErrors(t *testing.T) {
	setupTestEnv(t)

	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{name: "encrypt non object", stdin: `["a"]`, args: []string{"vault", "encrypt"}},
		{name: "encrypt non string values", stdin: `{"port":8080}`, args: []string{"vault", "encrypt"}},
		{name: "decrypt garbage", stdin: "garbage", args: []string{"vault", "decrypt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.stdin, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestVaultCommandRejectsShortSecret(t *testing.T) {
	setupTestEnv(t)
	t.Setenv(constants.EnvVaultSecret, "short")

	_, err := execute(t, `{"a":"b"}`, "vault", "encrypt")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	setupTestEnv(t)

	out, err := execute(t, "", "token", "--user", "user-7", "--org", "org-3", "--permission", "channels:admin")
	require.NoError(t, err)

	v, err := identity.NewJWTValidator("cli-test-jwt-secret", identity.WithRequiredPermission("channels:admin"))
	require.NoError(t, err)
	id, err := v.ValidateToken(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "user-7", id.UserID)
	assert.Equal(t, "org-3", id.OrganizationID)
}

func TestTokenCommandRequiresClaims(t *testing.T) {
	setupTestEnv(t)

	_, err := execute(t, "", "token", "--user", "user-7")
	assert.Error(t, err)
}

func TestServeWithInvalidConfig(t *testing.T) {
	_, err := execute(t, "", "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
