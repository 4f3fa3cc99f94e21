// Package auth guards the HTTP API: API key checks, per-client rate limits,
// repeated-failure blocking and the browser origin allow-list.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// DefaultEnvVar is the environment variable name for the API key.
const DefaultEnvVar = "CAREASSIST_API_KEY"

// HeaderAPIKey is accepted as an alternative to a Bearer token.
const HeaderAPIKey = "X-API-Key"

// ValidateKey performs timing-safe comparison of the provided key
// against the expected key. Returns true if they match.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ExtractKey returns the key presented by r. ok is false when neither header
// is present; a malformed Authorization header yields ok true and key "".
func ExtractKey(r *http.Request) (key string, ok bool) {
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(v, prefix) {
			return "", true
		}
		return strings.TrimSpace(strings.TrimPrefix(v, prefix)), true
	}
	if v := r.Header.Get(HeaderAPIKey); v != "" {
		return v, true
	}
	return "", false
}
