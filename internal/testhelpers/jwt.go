package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// signingKey is only used to produce syntactically valid tokens: the client
// never verifies signatures.
var signingKey = []byte("marketplace-test-signing-key")

// AccessToken mints an HS256 access credential for the subject, expiring at
// the given time.
func AccessToken(t testing.TB, subject string, expiry time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(expiry.Add(-15 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err, "failed to sign access token")

	return signed
}

// AccessTokenWithID mints an access credential like AccessToken, carrying id
// as its jti claim so that tokens issued at the same instant differ.
func AccessTokenWithID(t testing.TB, subject, id string, expiry time.Time) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		ID:        id,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(expiry.Add(-15 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err, "failed to sign access token")

	return signed
}

// AccessTokenWithoutExpiry mints an access credential that carries no exp
// claim.
func AccessTokenWithoutExpiry(t testing.TB, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{Subject: subject}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err, "failed to sign access token")

	return signed
}
