package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/studioos/logger"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// RoleContextKey is the context key for the caller's role
	RoleContextKey contextKey = "auth_role"

	// RoleHeader carries the role set by the upstream middleware
	RoleHeader = "X-StudioOS-Role"
)

// Middleware attaches the caller's role to the request context
type Middleware struct {
	logger *zap.SugaredLogger
}

// NewMiddleware creates the role middleware
func NewMiddleware(log *zap.SugaredLogger) *Middleware {
	if log == nil {
		log = logger.Logger
	}
	return &Middleware{logger: log.Named("auth")}
}

// WithRole reads the role and stores it in the request context. A request
// without a role passes through with none and can only be refused by
// Authorize; a malformed role is rejected here.
func (m *Middleware) WithRole(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := extractRole(r)
		if raw == "" {
			next(w, r)
			return
		}

		role, err := ParseRole(raw)
		if err != nil {
			m.logger.Debugw("Rejected request with unknown role", logger.FieldRole, raw, logger.FieldPath, r.URL.Path)
			http.Error(w, "bad request: unknown role", http.StatusBadRequest)
			return
		}
		next(w, r.WithContext(ContextWithRole(r.Context(), role)))
	}
}

// extractRole checks the header first, then the query parameter
// (browsers cannot set headers on WebSocket upgrades)
func extractRole(r *http.Request) string {
	if role := r.Header.Get(RoleHeader); role != "" {
		return role
	}
	return r.URL.Query().Get("role")
}

// ContextWithRole returns a context carrying role
func ContextWithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, RoleContextKey, role)
}

// RoleFromContext returns the caller's role, or "" when none was supplied
func RoleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(RoleContextKey).(Role)
	return role
}

// AuthorizeContext authorizes the role carried by ctx
func AuthorizeContext(ctx context.Context, action Action) error {
	return Authorize(RoleFromContext(ctx), action)
}
