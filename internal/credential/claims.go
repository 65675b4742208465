package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AccessClaims are the claims of an access credential that the client relies
// on. The client never holds the issuer's key, so the signature is not
// checked here: the server remains the authority on validity.
type AccessClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// DecodeAccess reads the claims of a JWT access credential without verifying
// its signature. The expiry claim is required.
func DecodeAccess(accessToken string) (AccessClaims, error) {
	claims := &jwt.RegisteredClaims{}

	_, _, err := jwt.NewParser().ParseUnverified(accessToken, claims)
	if err != nil {
		return AccessClaims{}, fmt.Errorf("decoding access credential: %w", err)
	}

	if claims.ExpiresAt == nil {
		return AccessClaims{}, errors.New("access credential has no expiry claim")
	}

	return AccessClaims{
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
