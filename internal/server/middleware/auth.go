package middleware

import (
	"net/http"
	"strings"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/security"
)

// Gateway headers. The auth service in front of the API resolves the project and the caller's role.
const (
	HeaderProjectID   = "X-Project-Id"
	HeaderProjectRole = "X-Project-Role"
	HeaderUserID      = "X-User-Id"
)

const bearerPrefix = "bearer "

// Roles a caller may hold in a project.
var roles = map[string]bool{"owner": true, "editor": true, "viewer": true}

// TokenVerifier validates caller bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*security.CallerClaims, error)
}

// Authenticate resolves the caller Identity. The project always comes from X-Project-Id.
// With a verifier the caller is the subject of a valid bearer token, and a project role embedded in
// the token takes precedence over X-Project-Role. Without one, X-User-Id is trusted as set by the gateway.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := Identity{
				ProjectID: strings.TrimSpace(r.Header.Get(HeaderProjectID)),
				Role:      strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderProjectRole))),
			}
			if verifier != nil {
				token := extractBearer(r.Header.Get("Authorization"))
				if token == "" {
					httpx.WriteError(w, apperr.Unauthenticated("missing or invalid authorization"))
					return
				}
				claims, err := verifier.Verify(token)
				if err != nil {
					httpx.WriteError(w, apperr.Unauthenticated("missing or invalid authorization"))
					return
				}
				id.UserID = claims.Subject
				if role, ok := claims.RoleFor(id.ProjectID); ok {
					id.Role = role
				}
			} else {
				id.UserID = strings.TrimSpace(r.Header.Get(HeaderUserID))
				if id.UserID == "" {
					httpx.WriteError(w, apperr.Unauthenticated("missing %s", HeaderUserID))
					return
				}
			}
			if id.ProjectID == "" {
				httpx.WriteError(w, apperr.Validation("missing %s", HeaderProjectID))
				return
			}
			if !roles[id.Role] {
				httpx.WriteError(w, apperr.Forbidden("no role in project %s", id.ProjectID))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// extractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func extractBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
