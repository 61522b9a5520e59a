package token

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return NewManagerWithKey(key, "identity-test", 15*time.Minute, 30*time.Minute)
}

func TestSignAndVerify(t *testing.T) {
	m := testManager(t)

	raw, exp, err := m.Sign("u1", []string{"user", "admin"}, 1, ScopeFull, 3)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), exp, 5*time.Second)

	claims, err := m.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.True(t, claims.HasRole("admin"))
	assert.False(t, claims.HasRole("support"))
	assert.Equal(t, ScopeFull, claims.Scope)
	assert.Equal(t, int64(3), claims.SessionVersion)
}

func TestOnboardingScopeUsesLongerTTL(t *testing.T) {
	m := testManager(t)
	_, exp, err := m.Sign("u1", nil, 3, ScopeOnboarding, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), exp, 5*time.Second)
}

func TestVerifyExpired(t *testing.T) {
	m := testManager(t)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	raw, _, err := m.Sign("u1", nil, 1, ScopeFull, 0)
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsOtherKeyAndAlg(t *testing.T) {
	m := testManager(t)
	other := testManager(t)

	raw, _, err := other.Sign("u1", nil, 1, ScopeFull, 0)
	require.NoError(t, err)
	_, err = m.Verify(raw)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u1"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.Verify(hs)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = m.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
