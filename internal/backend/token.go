package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// tokenAlgorithms are the signing algorithms Supabase auth issues.
var tokenAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256,
	jose.RS256,
	jose.ES256,
}

// Claims are the fields of an access token the console cares about.
type Claims struct {
	Subject   string
	Email     string
	Role      string
	Issuer    string
	SessionID string
	IssuedAt  time.Time
	Expiry    time.Time

	// Raw holds every claim in the token.
	Raw map[string]any
}

// Expired reports whether the token has expired at now. Tokens without an
// exp claim never expire.
func (c *Claims) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// ParseClaims decodes the claims of a JWT without verifying its signature.
// Use VerifyToken to check the signature.
func ParseClaims(token string) (*Claims, error) {
	tok, err := jwt.ParseSigned(token, tokenAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	var std jwt.Claims
	var extra struct {
		Email     string `json:"email"`
		Role      string `json:"role"`
		SessionID string `json:"session_id"`
	}
	raw := map[string]any{}
	if err := tok.UnsafeClaimsWithoutVerification(&std, &extra, &raw); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}

	c := &Claims{
		Subject:   std.Subject,
		Email:     extra.Email,
		Role:      extra.Role,
		Issuer:    std.Issuer,
		SessionID: extra.SessionID,
		Raw:       raw,
	}
	if std.Expiry != nil {
		c.Expiry = std.Expiry.Time()
	}
	if std.IssuedAt != nil {
		c.IssuedAt = std.IssuedAt.Time()
	}
	return c, nil
}

// VerifyToken checks the token's signature against the keys published at
// jwksURL and returns the verified payload. Tokens signed with a shared
// secret cannot be verified this way.
func VerifyToken(ctx context.Context, jwksURL, token string) ([]byte, error) {
	keys := oidc.NewRemoteKeySet(ctx, jwksURL)
	payload, err := keys.VerifySignature(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	return payload, nil
}
