package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/authz/internal/platform/httpx"
)

// Middleware guards HTTP handlers with engine decisions.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// RequireAny admits the request when the acting user holds at least one of perms.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require any", normalizePermissions(perms), m.Engine.AuthorizeAny)
}

// RequireAll admits the request when the acting user holds every one of perms.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require all", normalizePermissions(perms), m.Engine.AuthorizeAll)
}

type authorizeFunc func(ctx context.Context, userID string, perms []string) (bool, error)

func (m Middleware) require(op string, normalized []string, authorize authorizeFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing user identity")
				return
			}
			granted, err := authorize(r.Context(), userID, normalized)
			if err != nil {
				m.logger().Error(op, slog.String("user_id", userID), slog.Any("error", err))
				if errors.Is(err, ErrResolutionFailure) {
					httpx.Problem(w, http.StatusServiceUnavailable, "Authorization Unavailable", "authorization could not be determined")
					return
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !granted {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission "+strings.Join(normalized, ", "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
