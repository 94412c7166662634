package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, secret []byte, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestVerifier_AcceptsValidToken(t *testing.T) {
	secret := []byte("secret")
	claims := &Claims{
		UserID: "u1",
		Role:   "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := sign(t, secret, claims)

	v := NewVerifier(secret, nil)
	got, hash, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, TokenHash(tok), hash)
}

func TestVerifier_RejectsExpiredToken(t *testing.T) {
	secret := []byte("secret")
	claims := &Claims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	tok := sign(t, secret, claims)

	v := NewVerifier(secret, nil)
	_, _, err := v.Verify(tok)
	assert.Error(t, err)
}

type fakeRevocation struct{ revoked map[string]bool }

func (f fakeRevocation) IsRevoked(hash string) bool { return f.revoked[hash] }

func TestVerifier_RejectsRevokedToken(t *testing.T) {
	secret := []byte("secret")
	claims := &Claims{UserID: "u1", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
	tok := sign(t, secret, claims)
	hash := TokenHash(tok)

	v := NewVerifier(secret, fakeRevocation{revoked: map[string]bool{hash: true}})
	_, _, err := v.Verify(tok)
	assert.ErrorIs(t, err, ErrRevoked)
}
