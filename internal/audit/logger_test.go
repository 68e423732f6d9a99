package audit

import (
	"context"
	"errors"
	"testing"

	"experiment-tracking/backend/internal/audit/domain"
	auditrepo "experiment-tracking/backend/internal/audit/repository"
	"experiment-tracking/backend/internal/server/middleware"
)

// mockAuditRepo implements the audit repository interface for tests.
type mockAuditRepo struct {
	entries   []*domain.Event
	createErr error
}

func (m *mockAuditRepo) Create(ctx context.Context, e *domain.Event) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditRepo) List(ctx context.Context, projectID string, f auditrepo.Filter) ([]*domain.Event, error) {
	return nil, nil
}

func TestLogger_LogEvent_Success(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo)
	ctx := middleware.WithIdentity(context.Background(), middleware.Identity{UserID: "user-1", ProjectID: "proj-1", Role: "editor"})
	ctx = middleware.WithRequestID(ctx, "req-1")

	logger.LogEvent(ctx, Entry{
		ProjectID:  "proj-1",
		EntityKind: "run",
		EntityID:   "run-1",
		Action:     "transition",
		Metadata:   map[string]any{"from": "created", "to": "running"},
	})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	e := repo.entries[0]
	if e.ProjectID != "proj-1" {
		t.Errorf("project_id = %q, want %q", e.ProjectID, "proj-1")
	}
	if e.ActorID != "user-1" {
		t.Errorf("actor_id = %q, want %q", e.ActorID, "user-1")
	}
	if e.ActorRole != "editor" {
		t.Errorf("actor_role = %q, want %q", e.ActorRole, "editor")
	}
	if e.EntityKind != "run" || e.EntityID != "run-1" {
		t.Errorf("entity = %s/%s, want run/run-1", e.EntityKind, e.EntityID)
	}
	if e.Metadata["to"] != "running" {
		t.Errorf("metadata[to] = %v, want running", e.Metadata["to"])
	}
	if e.Metadata["request_id"] != "req-1" {
		t.Errorf("metadata[request_id] = %v, want req-1", e.Metadata["request_id"])
	}
	if e.ID == "" {
		t.Error("entry ID should be set")
	}
	if e.CreatedAt.IsZero() {
		t.Error("entry CreatedAt should be set")
	}
}

func TestLogger_LogEvent_SystemActor(t *testing.T) {
	repo := &mockAuditRepo{}
	logger := NewLogger(repo)

	logger.LogEvent(context.Background(), Entry{ProjectID: "proj-1", EntityKind: "capture_session", EntityID: "cs-1", Action: "transition"})

	if len(repo.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(repo.entries))
	}
	if repo.entries[0].ActorID != SystemActor {
		t.Errorf("actor_id = %q, want %q", repo.entries[0].ActorID, SystemActor)
	}
	if repo.entries[0].Metadata == nil {
		t.Error("metadata should default to an empty object")
	}
}

func TestLogger_LogEvent_CreateErrorIsSwallowed(t *testing.T) {
	repo := &mockAuditRepo{createErr: errors.New("db down")}
	logger := NewLogger(repo)

	logger.LogEvent(context.Background(), Entry{ProjectID: "proj-1", EntityKind: "run", EntityID: "run-1", Action: "create"})

	if len(repo.entries) != 0 {
		t.Errorf("entries = %d, want 0", len(repo.entries))
	}
}

func TestLogger_NilIsNoop(t *testing.T) {
	var logger *Logger
	logger.LogEvent(context.Background(), Entry{ProjectID: "proj-1"})
}

func TestMemoryRepository_ListFilters(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	logger := NewLogger(repo)
	ctx := context.Background()
	logger.LogEvent(ctx, Entry{ProjectID: "proj-1", EntityKind: "run", EntityID: "run-1", Action: "create"})
	logger.LogEvent(ctx, Entry{ProjectID: "proj-1", EntityKind: "run", EntityID: "run-2", Action: "create"})
	logger.LogEvent(ctx, Entry{ProjectID: "proj-1", EntityKind: "experiment", EntityID: "exp-1", Action: "create"})
	logger.LogEvent(ctx, Entry{ProjectID: "proj-2", EntityKind: "run", EntityID: "run-1", Action: "create"})

	all, err := repo.List(ctx, "proj-1", auditrepo.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
	runs, err := repo.List(ctx, "proj-1", auditrepo.Filter{EntityKind: "run", EntityID: "run-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 1 || runs[0].EntityID != "run-1" {
		t.Errorf("filtered = %v, want one run-1 event", runs)
	}
	page, err := repo.List(ctx, "proj-1", auditrepo.Filter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("len(page) = %d, want 1", len(page))
	}
}
