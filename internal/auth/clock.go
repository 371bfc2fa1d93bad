package auth

import (
	"errors"
	"time"

	"chatsync/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

// Expired reports whether cred can no longer be attached to a request at
// now. A credential is treated as expired leeway before its real expiry so a
// token does not lapse while the request is in flight.
func Expired(cred model.Credential, now time.Time, leeway time.Duration) bool {
	if cred.AccessToken == "" || cred.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(cred.ExpiresAt.Add(-leeway))
}

// ExpiryFromToken reads the exp claim of a JWT without verifying it. The
// client never holds the signing secret; it only needs to know when to renew.
func ExpiryFromToken(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}
