// Package auth gates every HTTP request: API key roles, CORS, rate
// limiting and acting-user resolution.
package auth

import (
	"context"
	"net/http"
	"strings"

	"inboxdb/pkg/logger"
)

// Role is the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

// SecConfig drives authentication, CORS and rate limiting. Shared here so
// gateway.go and limiter.go reference one type.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
	// AllowUnauth skips key checks entirely (local development).
	AllowUnauth bool
}

type ctxRoleKey struct{}

// RoleFromContext returns the caller role resolved by the gateway.
func RoleFromContext(ctx context.Context) Role {
	if r, ok := ctx.Value(ctxRoleKey{}).(Role); ok {
		return r
	}
	return RoleUnauth
}

func validUserID(u string) bool {
	return u != "" && len(u) <= 128
}

// ResolveUser is the canonical acting-user resolver for handlers.
// Frontend keys are bound to the X-User-ID header they presented; backend
// and admin callers may act for any user named in the header, query or
// body. Returns the user id, or a non-zero HTTP status and message.
func ResolveUser(r *http.Request, bodyUser string) (string, int, string) {
	role := RoleFromContext(r.Context())

	header := strings.TrimSpace(r.Header.Get("X-User-ID"))
	switch role {
	case RoleBackend, RoleAdmin:
		for _, cand := range []string{bodyUser, header, strings.TrimSpace(r.URL.Query().Get("user"))} {
			if cand == "" {
				continue
			}
			if !validUserID(cand) {
				return "", http.StatusBadRequest, "invalid user id"
			}
			return cand, 0, ""
		}
		return "", http.StatusBadRequest, "user required"
	case RoleFrontend:
		if !validUserID(header) {
			logger.Warn("missing_user_header", "path", r.URL.Path, "remote", r.RemoteAddr)
			return "", http.StatusUnauthorized, "missing user header"
		}
		if bodyUser != "" && bodyUser != header {
			logger.Warn("user_mismatch", "header", header, "body", bodyUser, "path", r.URL.Path)
			return "", http.StatusForbidden, "user mismatch between header and body"
		}
		return header, 0, ""
	}
	return "", http.StatusUnauthorized, "unauthorized"
}
