// Package testhelpers provides utilities for testing caseboard-engine components.
package testhelpers

import (
	"encoding/base64"
	"encoding/json"
)

// GenerateTestJWT creates a test JWT token for use when verification is disabled.
// The token has a valid structure but no signature (alg: none).
func GenerateTestJWT(sub, email string, approved bool) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	payload, _ := json.Marshal(map[string]any{
		"sub":      sub,
		"email":    email,
		"approved": approved,
	})

	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

// GenerateTestJWTWithBearer returns token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(sub, email string, approved bool) string {
	return "Bearer " + GenerateTestJWT(sub, email, approved)
}
