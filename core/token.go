package core

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no access token")
	ErrTokenExpired = errors.New("token expired")
)

// CheckToken reports whether token can still be presented to the backend.
// The signature is not verified here; the backend does that. Tokens that are
// not JWTs, or that carry no expiry, are accepted as they are.
func CheckToken(token string, now time.Time) error {
	if strings.TrimSpace(token) == "" {
		return ErrNoToken
	}
	exp, ok := TokenExpiry(token)
	if ok && !now.Before(exp) {
		return ErrTokenExpired
	}
	return nil
}

// TokenExpiry returns the exp claim of a JWT.
func TokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
