// Package testhelpers provides utilities for testing ekaya-gitsync components.
package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestSigningKey is the shared secret used by handler and auth tests.
const TestSigningKey = "test-event-signing-key"

// GenerateEventToken signs an HS256 event token the way the tracker does.
func GenerateEventToken(t *testing.T, key, issuer, subject string, ttl time.Duration) string {
	t.Helper()

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

// GenerateEventTokenWithBearer returns the token with a "Bearer " prefix for the Authorization header.
func GenerateEventTokenWithBearer(t *testing.T, subject string) string {
	t.Helper()
	return "Bearer " + GenerateEventToken(t, TestSigningKey, "tracker", subject, time.Hour)
}
