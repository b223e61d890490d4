// Package auth verifies the bearer credential presented during the
// socket handshake and on privileged HTTP endpoints.
//
// It intentionally avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/soundmesh/relay"
)

// HMACVerifier validates HS256-signed JWTs carrying a user_id claim.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a verifier for the given signing secret.
func NewHMACVerifier(secret []byte) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

// Verify parses and validates the token and returns the user_id claim.
func (v *HMACVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", relay.ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", relay.ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", relay.ErrUnauthorized
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: user_id claim missing", relay.ErrUnauthorized)
	}
	return userID, nil
}

// StaticVerifier maps fixed tokens to user ids. Development and tests
// only.
type StaticVerifier map[string]string

// Verify compares the token against the table in constant time per entry.
func (s StaticVerifier) Verify(token string) (string, error) {
	for candidate, userID := range s {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return userID, nil
		}
	}
	return "", relay.ErrUnauthorized
}

// FuncVerifier adapts a function into a relay.Verifier.
type FuncVerifier func(token string) (string, error)

func (f FuncVerifier) Verify(token string) (string, error) {
	return f(token)
}

// BearerToken extracts the credential from a request: the token query
// parameter first, then an Authorization: Bearer header. Empty string
// when absent.
func BearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
