package server

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"experiment-tracking/backend/internal/audit"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/policy/engine"
	"experiment-tracking/backend/internal/server/middleware"
)

// Authorize asks the policy evaluator whether the caller's role may perform the matched route's
// action on its resource. It must run after Authenticate and after the route is matched.
// A nil evaluator allows everything.
func Authorize(policy engine.Evaluator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if policy == nil {
				next.ServeHTTP(w, r)
				return
			}
			id, err := middleware.Caller(r)
			if err != nil {
				httpx.WriteError(w, err)
				return
			}
			pattern := ""
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				pattern = rctx.RoutePattern()
			}
			ar := audit.ParseRoute(r.Method, pattern)
			ok, err := policy.Allow(r.Context(), id.ProjectID, engine.Input{Role: id.Role, Action: ar.Action, Resource: ar.Resource})
			if err != nil {
				log.Printf("server: authorize %s %s: %v", r.Method, pattern, err)
				httpx.WriteError(w, apperr.Forbidden("access decision unavailable"))
				return
			}
			if !ok {
				httpx.WriteError(w, apperr.Forbidden("role %s may not %s %s", id.Role, ar.Action, ar.Resource))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
