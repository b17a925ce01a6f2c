// Package auth inspects the bearer token the client was handed. The token is
// issued and verified server-side; this package never validates signatures —
// it only reads the registered claims so the client can fail fast on a token
// that is already expired instead of discovering it through a 401.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrExpired reports a token whose exp claim has passed.
var ErrExpired = errors.New("token expired")

// TokenInfo is what the client can read off a token without a key.
type TokenInfo struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Inspect parses the token's claims without verifying the signature. A token
// that is not a JWT at all yields an error; the caller may still use it,
// since the backend accepts opaque keys too.
func Inspect(token string) (*TokenInfo, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	info := &TokenInfo{}
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		info.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, nil
}

// CheckExpiry returns ErrExpired when the token carries an exp claim in the
// past. Tokens without an exp claim, or that are not JWTs, pass.
func CheckExpiry(token string, now time.Time) error {
	info, err := Inspect(token)
	if err != nil {
		return nil
	}
	if !info.ExpiresAt.IsZero() && info.ExpiresAt.Before(now) {
		return fmt.Errorf("%w at %s", ErrExpired, info.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
