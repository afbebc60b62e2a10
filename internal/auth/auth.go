// Package auth turns externally issued bearer tokens into opaque
// identities. Token issuance lives in the account service; this core
// only verifies the signature and extracts the subject.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for malformed, expired, or mis-signed tokens.
var ErrInvalidToken = errors.New("invalid auth token")

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Identity verifies the token and returns the user identity it carries.
// Accepts either a "userId" claim (legacy mobile clients) or the
// standard "sub" claim.
func (v *Verifier) Identity(token string) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	if id, ok := claims["userId"]; ok {
		switch u := id.(type) {
		case string:
			if u != "" {
				return u, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", u), nil
		}
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", ErrInvalidToken
}
