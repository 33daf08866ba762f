package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig holds configuration for token verification.
type VerifierConfig struct {
	// EnableVerification controls whether signatures and claims are checked.
	// Disable only for local development.
	EnableVerification bool
	// Issuer is the required "iss" claim.
	Issuer string
	// SigningKey is the HS256 shared secret.
	SigningKey []byte
}

// TokenVerifier validates a raw token and returns its claims.
type TokenVerifier interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// HMACVerifier validates HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	config *VerifierConfig
	parser *jwt.Parser
}

// NewHMACVerifier creates a verifier. A signing key is required when
// verification is enabled.
func NewHMACVerifier(config *VerifierConfig) (*HMACVerifier, error) {
	if config == nil {
		return nil, errors.New("verifier config is required")
	}
	if config.EnableVerification && len(config.SigningKey) == 0 {
		return nil, errors.New("signing key is required when verification is enabled")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	return &HMACVerifier{
		config: config,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateToken validates a token and returns the claims.
// If verification is disabled, it parses the token without signature validation.
func (v *HMACVerifier) ValidateToken(tokenString string) (*Claims, error) {
	if !v.config.EnableVerification {
		return v.parseUnverifiedToken(tokenString)
	}

	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.config.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

func (v *HMACVerifier) parseUnverifiedToken(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	return claims, nil
}

var _ TokenVerifier = (*HMACVerifier)(nil)
