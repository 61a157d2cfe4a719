// SPDX-License-Identifier: MIT

package authn

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeroom/presence/internal/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject, audience string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"aud": audience,
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(map[string]config.AuthnKey{
		"dev.example.com": {Algorithm: "HS256", Key: testSecret},
	})
	require.NoError(t, err)
	return v
}

func TestVerifyToken(t *testing.T) {
	v := newVerifier(t)

	account, err := v.VerifyToken(signToken(t, "user123", "dev.example.com"))
	require.NoError(t, err)
	assert.Equal(t, "user123", account.Subject)
	assert.Equal(t, "dev.example.com", account.Audience)
}

func TestVerifyTokenUnknownAudience(t *testing.T) {
	v := newVerifier(t)

	_, err := v.VerifyToken(signToken(t, "user123", "other.example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownAudience)
}

func TestVerifyTokenBadSignature(t *testing.T) {
	v := newVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user123",
		"aud": "dev.example.com",
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	_, err = v.VerifyToken(signed)
	assert.Error(t, err)
}

func TestVerifyTokenGarbage(t *testing.T) {
	v := newVerifier(t)

	_, err := v.VerifyToken("not-a-jws")
	assert.Error(t, err)
}

func TestNewVerifierRejectsUnknownAlgorithm(t *testing.T) {
	_, err := NewVerifier(map[string]config.AuthnKey{
		"dev.example.com": {Algorithm: "none", Key: "x"},
	})
	assert.Error(t, err)
}
