package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// defaultTokenTTL bounds minted stream token lifetime when Options leave it
// unset.
const defaultTokenTTL = time.Hour

// errInvalidToken reports a bearer or stream token that failed verification.
// The error mapping turns it into a 401.
var errInvalidToken = errors.New("server: invalid or expired token")

// Tokens mints and verifies the HMAC-signed tokens that bind requests to an
// account. Upstream auth signs bearer tokens with the same secret; Get and
// Start responses mint short-lived copies for the stream endpoint, which
// takes its token as a query parameter because EventSource cannot set
// headers.
type Tokens struct {
	secret []byte
	ttl    time.Duration
}

// NewTokens builds a token signer. ttl bounds minted token lifetime; zero or
// negative uses one hour.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}, nil
}

// Mint issues a signed token bound to the given account.
func (t *Tokens) Mint(accountID string) (string, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", errors.New("account id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks the token's signature and expiry and returns the account id
// it binds.
func (t *Tokens) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}
