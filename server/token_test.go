package server

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)

	token, err := tokens.Mint("acct-1")
	require.NoError(t, err)

	account, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", account)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	mint, err := NewTokens("secret-a", time.Hour)
	require.NoError(t, err)
	verify, err := NewTokens("secret-b", time.Hour)
	require.NoError(t, err)

	token, err := mint.Mint("acct-1")
	require.NoError(t, err)

	_, err = verify.Verify(token)
	require.ErrorIs(t, err, errInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	tokens, err := NewTokens("secret", time.Millisecond)
	require.NoError(t, err)

	token, err := tokens.Mint("acct-1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	_, err = tokens.Verify(token)
	require.ErrorIs(t, err, errInvalidToken)
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "acct-1"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tokens.Verify(token)
	require.ErrorIs(t, err, errInvalidToken)
}

func TestVerifyRejectsMissingAccount(t *testing.T) {
	tokens, err := NewTokens("secret", time.Hour)
	require.NoError(t, err)

	anonymous := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := anonymous.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = tokens.Verify(token)
	require.ErrorIs(t, err, errInvalidToken)
}

func TestNewTokensValidation(t *testing.T) {
	_, err := NewTokens("   ", time.Hour)
	require.EqualError(t, err, "token secret is required")

	tokens, err := NewTokens("secret", 0)
	require.NoError(t, err)
	_, err = tokens.Mint("")
	require.EqualError(t, err, "account id is required")
}
