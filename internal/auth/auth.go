// Package auth implements bearer-token authentication for the HTTP API.
// Tokens are static and come from configuration: regular tokens may trigger
// per-organization work, admin tokens may trigger fleet-wide work.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Caller describes an authenticated API client.
type Caller struct {
	Admin bool
}

// Authenticator resolves the caller behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Caller, bool)
}

// Static authenticates against fixed token lists.
type Static struct {
	apiTokens   []string
	adminTokens []string
}

// NewStatic creates an authenticator from the configured token lists. Admin
// tokens also satisfy regular authentication.
func NewStatic(apiTokens, adminTokens []string) *Static {
	return &Static{apiTokens: apiTokens, adminTokens: adminTokens}
}

// Authenticate extracts the bearer token and matches it against the
// configured tokens with constant-time comparison.
func (s *Static) Authenticate(r *http.Request) (Caller, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return Caller{}, false
	}
	if matchToken(s.adminTokens, token) {
		return Caller{Admin: true}, true
	}
	if matchToken(s.apiTokens, token) {
		return Caller{}, true
	}
	return Caller{}, false
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func matchToken(tokens []string, candidate string) bool {
	matched := false
	for _, token := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			matched = true
		}
	}
	return matched
}

// Require wraps a handler so only authenticated callers reach it. When admin
// is set, regular tokens are rejected with 403.
func Require(authenticator Authenticator, admin bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := authenticator.Authenticate(r)
		if !ok {
			writeStatus(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if admin && !caller.Admin {
			writeStatus(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `"}`))
}
