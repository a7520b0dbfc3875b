// Package handlers exposes the HTTP surface under /api/v1 and the open
// health endpoint.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/caseflow/model"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey int

const actorKey contextKey = iota

// Authenticator validates bearer tokens and attaches the caller identity
// to the request context. Tokens are HMAC-signed JWTs with claims sub,
// org, and roles.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator over the shared HMAC secret.
func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, model.NewError(model.KindUnauthenticated, "missing bearer token"), 0)
			return
		}

		actor, err := a.parse(token)
		if err != nil {
			a.logger.Debug("token rejected", "error", err)
			writeError(w, model.NewError(model.KindUnauthenticated, "invalid token"), 0)
			return
		}

		if key := r.Header.Get("X-Idempotency-Key"); key != "" {
			if actor.Metadata == nil {
				actor.Metadata = make(map[string]string)
			}
			actor.Metadata["idempotency_key"] = key
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func (a *Authenticator) parse(token string) (model.AuthContext, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return model.AuthContext{}, err
	}

	actor := model.AuthContext{}
	if sub, ok := claims["sub"].(string); ok {
		actor.UserID = sub
	}
	if org, ok := claims["org"].(string); ok {
		actor.OrganizationID = org
	}
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if role, ok := r.(string); ok {
				actor.Roles = append(actor.Roles, role)
			}
		}
	}
	if actor.UserID == "" || actor.OrganizationID == "" {
		return model.AuthContext{}, jwt.ErrTokenInvalidClaims
	}
	return actor, nil
}

// Actor returns the authenticated caller from the request context.
func Actor(r *http.Request) model.AuthContext {
	actor, _ := r.Context().Value(actorKey).(model.AuthContext)
	return actor
}

// requireRole guards admin-only handlers.
func requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !Actor(r).HasRole(role) {
			writeError(w, model.NewError(model.KindForbidden, "role %q required", role), 0)
			return
		}
		next(w, r)
	}
}
