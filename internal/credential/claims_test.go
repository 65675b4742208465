package credential_test

import (
	"testing"
	"time"

	"github.com/chinmina/marketplace-session/internal/credential"
	"github.com/chinmina/marketplace-session/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAccess(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token := testhelpers.AccessToken(t, "u1", expiry)

	claims, err := credential.DecodeAccess(token)
	require.NoError(t, err)

	assert.Equal(t, "u1", claims.Subject)
	assert.True(t, expiry.Equal(claims.ExpiresAt))
}

func TestDecodeAccess_ExpiredTokenStillDecodes(t *testing.T) {
	expiry := time.Now().Add(-time.Hour).Truncate(time.Second)
	token := testhelpers.AccessToken(t, "u1", expiry)

	claims, err := credential.DecodeAccess(token)
	require.NoError(t, err)
	assert.True(t, expiry.Equal(claims.ExpiresAt))
}

func TestDecodeAccess_Errors(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "not a jwt", token: "A1"},
		{name: "garbage segments", token: "a.b.c"},
		{name: "no expiry", token: testhelpers.AccessTokenWithoutExpiry(t, "u1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := credential.DecodeAccess(tt.token)
			assert.Error(t, err)
		})
	}
}
