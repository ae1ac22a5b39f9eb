package security

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthManager(t *testing.T, maxConnections, rpm int) (*AuthManager, *TokenHandler) {
	t.Helper()
	tokens, err := NewTokenHandler("test-secret-key", nil)
	require.NoError(t, err)
	keys, err := NewAPIKeyStore(filepath.Join(t.TempDir(), "keys.json"), nil)
	require.NoError(t, err)
	return NewAuthManager(tokens, keys, maxConnections, rpm, nil), tokens
}

func TestConnectionAdmissionAtLimit(t *testing.T) {
	auth, _ := newTestAuthManager(t, 3, 100)

	for i := 0; i < 3; i++ {
		assert.True(t, auth.RegisterClient(fmt.Sprintf("client_%d", i)))
	}
	// Exactly at max_connections the next accept is rejected.
	assert.False(t, auth.RegisterClient("client_overflow"))

	auth.UnregisterClient("client_0")
	assert.True(t, auth.RegisterClient("client_new"))
}

func TestAuthenticateAutoTriesTokenThenKey(t *testing.T) {
	auth, tokens := newTestAuthManager(t, 10, 100)
	require.True(t, auth.RegisterClient("c1"))

	token, err := tokens.Generate("alice", RoleAdmin, time.Hour)
	require.NoError(t, err)

	result := auth.Authenticate("c1", token, AuthMethodAuto)
	require.True(t, result.Authenticated)
	assert.Equal(t, AuthMethodJWT, result.Principal.AuthMethod)
	assert.Equal(t, RoleAdmin, result.Principal.Role)

	// API key path through the same auto mode.
	plaintext, _, err := auth.keys.Create("ops", RoleViewer, 0)
	require.NoError(t, err)
	require.True(t, auth.RegisterClient("c2"))
	result = auth.Authenticate("c2", plaintext, AuthMethodAuto)
	require.True(t, result.Authenticated)
	assert.Equal(t, AuthMethodAPIKey, result.Principal.AuthMethod)
}

func TestAuthenticateFailureCarriesNoPrincipal(t *testing.T) {
	auth, _ := newTestAuthManager(t, 10, 100)
	require.True(t, auth.RegisterClient("c1"))

	result := auth.Authenticate("c1", "garbage", AuthMethodAuto)
	assert.False(t, result.Authenticated)
	assert.Nil(t, result.Principal)
	assert.NotEmpty(t, result.ErrorMessage)
	// The message never reveals whether the principal exists.
	assert.Equal(t, "invalid credential", result.ErrorMessage)
}

func TestCheckPermissionRejectsExpiredPrincipal(t *testing.T) {
	auth, tokens := newTestAuthManager(t, 10, 100)
	require.True(t, auth.RegisterClient("c1"))

	token, err := tokens.Generate("alice", RoleAdmin, time.Second)
	require.NoError(t, err)
	result := auth.Authenticate("c1", token, AuthMethodJWT)
	require.True(t, result.Authenticated)
	require.True(t, auth.CheckPermission("c1", RoleAdmin))

	time.Sleep(1100 * time.Millisecond)
	assert.False(t, auth.CheckPermission("c1", RoleAdmin),
		"role check never passes after principal expiry")
}

func TestRateLimitBoundary(t *testing.T) {
	auth, _ := newTestAuthManager(t, 10, 5)
	require.True(t, auth.RegisterClient("c1"))

	for i := 0; i < 5; i++ {
		assert.True(t, auth.AllowRequest("c1"), "request %d within limit", i+1)
	}
	// The (N+1)-th in the same window is rejected, and rejection does not
	// advance the count.
	assert.False(t, auth.AllowRequest("c1"))
	assert.False(t, auth.AllowRequest("c1"))
}

func TestRateLimitWindowReset(t *testing.T) {
	auth, _ := newTestAuthManager(t, 10, 2)
	auth.windowSize = 100 * time.Millisecond
	require.True(t, auth.RegisterClient("c1"))

	assert.True(t, auth.AllowRequest("c1"))
	assert.True(t, auth.AllowRequest("c1"))
	assert.False(t, auth.AllowRequest("c1"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, auth.AllowRequest("c1"), "count resets when the window elapses")
}
