// Package auth verifies bearer tokens on the gateway's client-facing
// endpoints. Verification is HMAC-signed JWT; an empty signing secret
// disables it globally, and individual servers can override the global
// default either way.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcp-orch/mcp-orch/pkg/errors"
	"github.com/mcp-orch/mcp-orch/pkg/registry"
)

// Claims are the token fields the gateway cares about.
type Claims struct {
	// ProjectID scopes the token to one project. Empty means any project.
	ProjectID string `json:"project_id,omitempty"`

	jwt.RegisteredClaims
}

// Verifier checks bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret disables verification.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		return &Verifier{}
	}
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether the gateway enforces tokens by default.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Required resolves a server's auth policy against the global default.
func (v *Verifier) Required(policy registry.JWTPolicy) bool {
	switch policy {
	case registry.JWTRequired:
		return true
	case registry.JWTDisabled:
		return false
	default:
		return v.Enabled()
	}
}

// VerifyRequest extracts and validates the bearer token of r.
func (v *Verifier) VerifyRequest(r *http.Request) (*Claims, error) {
	if !v.Enabled() {
		return &Claims{}, nil
	}

	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, errors.NewUnauthorizedError("missing bearer token", nil)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, errors.NewUnauthorizedError("invalid token", err)
	}
	if !parsed.Valid {
		return nil, errors.NewUnauthorizedError("invalid token", nil)
	}
	return claims, nil
}

// CheckProject rejects tokens scoped to a different project.
func CheckProject(claims *Claims, projectID string) error {
	if claims.ProjectID != "" && claims.ProjectID != projectID {
		return errors.NewUnauthorizedError(
			fmt.Sprintf("token is not valid for project %q", projectID), nil)
	}
	return nil
}

type contextKey struct{}

// WithClaims stores verified claims on the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by the middleware, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

// Middleware enforces the global token policy on a route subtree.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := v.VerifyRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
