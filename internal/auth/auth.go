// Package auth authenticates the admin/sidecar HTTP surface with a static,
// pre-shared-secret bearer JWT. There is no per-user identity in this
// system — a valid token simply proves the caller is an authorized
// operator or sidecar.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetscale/controller/internal/httpserver"
)

type contextKey string

const identityKey contextKey = "auth_identity"

// Identity is the resolved caller from a verified bearer token.
type Identity struct {
	Subject string
}

// FromContext returns the Identity stored by Middleware, or nil if the
// request was not authenticated (only possible when protection is disabled).
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// Verifier validates bearer tokens and returns the caller's identity.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a raw JWT, returning the resolved Identity.
func (v *Verifier) Verify(raw string) (*Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	return &Identity{Subject: sub}, nil
}

// Middleware authenticates every request with a "Bearer <jwt>" Authorization
// header, rejecting the request with 401 on failure. When protected is
// false, requests pass through unauthenticated, for local/dev setups that
// run without a shared secret.
func Middleware(verifier *Verifier, protected bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !protected {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") && !strings.HasPrefix(header, "bearer ") {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(header, "Bearer "), "bearer "))

			id, err := verifier.Verify(raw)
			if err != nil {
				logger.Warn("bearer token rejected", "error", err)
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
