// Package auth verifies tenant credentials and carries the resulting
// principal through request contexts.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxhall/voxhall/pkg/core"
)

// Principal is an authenticated tenant identity.
type Principal struct {
	TenantID string
	Subject  string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts a bearer token from the Authorization header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// claims is the token payload. The tenant identifier is the only claim the
// gateway trusts for isolation decisions.
type claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed tenant tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning the principal it carries.
// Expired, malformed or wrongly signed tokens all come back as auth errors
// so callers cannot distinguish them over the wire.
func (v *Verifier) Verify(token string) (*Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, core.NewAuthError("invalid token")
	}

	tenantID := strings.TrimSpace(c.TenantID)
	if tenantID == "" {
		tenantID = strings.TrimSpace(c.Subject)
	}
	if tenantID == "" {
		return nil, core.NewAuthError("token carries no tenant")
	}

	return &Principal{TenantID: tenantID, Subject: c.Subject}, nil
}
