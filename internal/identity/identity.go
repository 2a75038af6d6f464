// Package identity normalizes the user identity handed in by the auth
// collaborator. Upstream auth state can be transiently inconsistent, so a
// malformed user ID falls back to the ID claim inside the bearer token.
package identity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoIdentity means neither the user object nor the token yielded a
// usable ID.
var ErrNoIdentity = errors.New("identity: no usable user id")

// Resolve returns the user's ID, preferring the user object and falling
// back to the token payload.
func Resolve(userID, token string) (string, error) {
	if Valid(userID) {
		return userID, nil
	}
	id, err := FromToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	return id, nil
}

// Valid reports whether id looks like a real identifier rather than a
// placeholder the upstream state sometimes leaks.
func Valid(id string) bool {
	switch id {
	case "", "undefined", "null", "[object Object]":
		return false
	}
	return len(id) >= 8
}

// tokenClaims covers the ID claim names the auth service has used.
type tokenClaims struct {
	ID     string `json:"id"`
	Legacy string `json:"_id"`
	Sub    string `json:"sub"`
	UserID string `json:"userId"`
}

// FromToken extracts a user ID from a JWT-shaped bearer token without
// verifying the signature; verification is the server's job, this only
// recovers the identity the token was issued for.
func FromToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", errors.New("token is not JWT-shaped")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode token payload: %w", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("parse token claims: %w", err)
	}
	for _, candidate := range []string{claims.ID, claims.Legacy, claims.UserID, claims.Sub} {
		if Valid(candidate) {
			return candidate, nil
		}
	}
	return "", errors.New("token carries no id claim")
}
