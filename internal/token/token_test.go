package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestToken_IssueVerify(t *testing.T) {
	svc, err := NewService("tenantvault", secret, time.Minute)
	require.NoError(t, err)

	raw, err := svc.Issue("acme", "alice", "analyst")
	require.NoError(t, err)

	claims, err := svc.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "alice", claims.Actor())
	assert.Equal(t, "analyst", claims.Role)
}

func TestToken_WeakSecret(t *testing.T) {
	_, err := NewService("tenantvault", []byte("short"), 0)
	assert.ErrorIs(t, err, ErrSecretTooWeak)
}

// TestPurpose: Validates that tampered, foreign, and expired tokens are rejected.
// Scope: Unit Test
// Security: Token forgery and replay (CWE-347)
// Expected: Verify returns ErrInvalidToken.
// Test Case ID: TOK-01
func TestToken_Rejections(t *testing.T) {
	svc, err := NewService("tenantvault", secret, time.Minute)
	require.NoError(t, err)
	other, err := NewService("tenantvault", []byte(strings.Repeat("x", 32)), time.Minute)
	require.NoError(t, err)
	foreignIssuer, err := NewService("someone-else", secret, time.Minute)
	require.NoError(t, err)

	raw, err := svc.Issue("acme", "alice", "")
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := other.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := foreignIssuer.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered", func(t *testing.T) {
		parts := strings.Split(raw, ".")
		parts[1] = parts[1][:len(parts[1])-2] + "AA"
		_, err := svc.Verify(strings.Join(parts, "."))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { svc.now = time.Now }()
		_, err := svc.Verify(raw)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("none algorithm", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			TenantID:         "acme",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "tenantvault", Subject: "mallory"},
		})
		s, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.Verify(s)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestToken_IssueRequiresTenantAndActor(t *testing.T) {
	svc, err := NewService("tenantvault", secret, 0)
	require.NoError(t, err)
	_, err = svc.Issue("", "alice", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.Issue("acme", "", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
