// Package handler exposes the audit trail over HTTP and records successful mutations from the router.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"experiment-tracking/backend/internal/audit"
	"experiment-tracking/backend/internal/audit/domain"
	auditrepo "experiment-tracking/backend/internal/audit/repository"
	idemhandler "experiment-tracking/backend/internal/idempotency/handler"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/server/middleware"
)

// maxCapturedBody bounds how much of a create response is kept to find the new entity id.
const maxCapturedBody = 64 << 10

// selfAudited actions write their own audit entries in the service layer, or are not audited at all.
var selfAudited = map[string]bool{
	"transition":       true,
	"batch_transition": true,
	"ingest":           true,
}

// Lister reads audit events.
type Lister interface {
	List(ctx context.Context, projectID string, f auditrepo.Filter) ([]*domain.Event, error)
}

// Handler serves GET /audit-events.
type Handler struct {
	repo Lister
}

// NewHandler returns an audit handler over repo.
func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// ListResponse is the body of List.
type ListResponse struct {
	Events []*domain.Event `json:"events"`
}

// List handles GET /audit-events?entity_kind=&entity_id=&limit=&offset=.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.Caller(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	limit, offset, err := httpx.Page(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	events, err := h.repo.List(r.Context(), id.ProjectID, auditrepo.Filter{
		EntityKind: q.Get("entity_kind"),
		EntityID:   q.Get("entity_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	httpx.WriteJSON(w, http.StatusOK, ListResponse{Events: events})
}

// Middleware records an audit entry for each successful mutating request, deriving action and resource
// from the chi route pattern. It must be mounted where the route is already matched (Group or With).
// Replayed idempotent responses are not recorded again.
func Middleware(logger audit.AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil || !audit.Mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			body := &cappedBuffer{max: maxCapturedBody}
			ww.Tee(body)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status >= 300 || ww.Header().Get(idemhandler.HeaderReplayed) == "true" {
				return
			}
			id, ok := middleware.IdentityFrom(r.Context())
			if !ok {
				return
			}
			rctx := chi.RouteContext(r.Context())
			if rctx == nil {
				return
			}
			ar := audit.ParseRoute(r.Method, rctx.RoutePattern())
			if selfAudited[ar.Action] {
				return
			}
			entityID := lastParam(rctx)
			if ar.Action == "create" {
				entityID = createdID(body.Bytes())
			}
			logger.LogEvent(r.Context(), audit.Entry{
				ProjectID:  id.ProjectID,
				EntityKind: ar.Resource,
				EntityID:   entityID,
				Action:     ar.Action,
				Metadata:   map[string]any{"method": r.Method, "path": r.URL.Path, "status": status},
			})
		})
	}
}

func lastParam(rctx *chi.Context) string {
	vals := rctx.URLParams.Values
	for i := len(vals) - 1; i >= 0; i-- {
		if vals[i] != "" {
			return vals[i]
		}
	}
	return ""
}

// createdID reads the new entity id from a create response: top-level id, or sensor.id for registrations.
func createdID(body []byte) string {
	var v struct {
		ID     string `json:"id"`
		Sensor *struct {
			ID string `json:"id"`
		} `json:"sensor"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	if v.ID != "" {
		return v.ID
	}
	if v.Sensor != nil {
		return v.Sensor.ID
	}
	return ""
}

type cappedBuffer struct {
	bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
