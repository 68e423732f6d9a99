package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"experiment-tracking/backend/internal/audit/domain"
	auditrepo "experiment-tracking/backend/internal/audit/repository"
	"experiment-tracking/backend/internal/server/middleware"
)

// Entry is what callers record; the logger fills in id, actor and time.
type Entry struct {
	ProjectID  string
	EntityKind string
	EntityID   string
	Action     string
	Metadata   map[string]any
}

// AuditLogger writes audit events. LogEvent is best-effort: failures are logged and do not
// affect the caller, since the audited change has already committed.
type AuditLogger interface {
	LogEvent(ctx context.Context, e Entry)
}

// Logger implements AuditLogger using the audit repository. The actor comes from the request identity.
type Logger struct {
	repo auditrepo.Repository
	nowF func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo.
func NewLogger(repo auditrepo.Repository) *Logger {
	return &Logger{repo: repo, nowF: func() time.Time { return time.Now().UTC() }}
}

// SystemActor is recorded when no caller identity is present (e.g. the background worker).
const SystemActor = "_system"

// LogEvent writes one audit entry.
func (l *Logger) LogEvent(ctx context.Context, e Entry) {
	if l == nil || l.repo == nil {
		return
	}
	actor, role := SystemActor, ""
	if id, ok := middleware.IdentityFrom(ctx); ok {
		actor, role = id.UserID, id.Role
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if rid := middleware.RequestID(ctx); rid != "" {
		meta["request_id"] = rid
	}
	ev := &domain.Event{
		ID:         uuid.New().String(),
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Action:     e.Action,
		ActorID:    actor,
		ActorRole:  role,
		Metadata:   meta,
		CreatedAt:  l.nowF(),
	}
	if err := l.repo.Create(ctx, ev); err != nil {
		log.Printf("audit: failed to log event %s/%s %s: %v", e.EntityKind, e.EntityID, e.Action, err)
	}
}
