package gateway

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator is the pluggable authentication predicate. It runs
// before handler dispatch; returning ok=false terminates the pipeline
// with 401. The returned user value is exposed on the request view.
type Authenticator interface {
	Authenticate(r *http.Request) (user any, ok bool)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (any, bool)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(r *http.Request) (any, bool) {
	return f(r)
}

// JWTAuthenticator validates HMAC-signed bearer tokens from the
// Authorization header. It is the shipped example predicate; any
// Authenticator implementation can replace it.
type JWTAuthenticator struct {
	// Secret is the HMAC signing key.
	Secret []byte

	// Issuer and Audience are verified when non-empty.
	Issuer   string
	Audience string
}

// Authenticate implements Authenticator. The claims map becomes the
// request view's user value.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (any, bool) {
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return nil, false
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}
	if a.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.Audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, false
	}
	return claims, true
}

// bearerToken extracts the token from "Bearer <token>".
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
