package service

import (
	"context"
	"testing"
	"time"

	experimentdomain "experiment-tracking/backend/internal/experiment/domain"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/store/memory"
)

func newRunService(t *testing.T, expStatus statemachine.Status) (*RunService, *memory.Store) {
	t.Helper()
	st := memory.New()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := st.Experiments().Create(context.Background(), &experimentdomain.Experiment{
		ID: "e1", ProjectID: "proj-1", Name: "exp", Status: expStatus, Metadata: map[string]any{},
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	return NewRunService(st.Runs(), st.Experiments(), nil), st
}

func TestRunService_Create(t *testing.T) {
	tests := []struct {
		name      string
		expStatus statemachine.Status
		expID     string
		in        CreateInput
		want      apperr.Kind
	}{
		{"ok", statemachine.StatusRunning, "e1", CreateInput{Name: "r"}, ""},
		{"blank name", statemachine.StatusRunning, "e1", CreateInput{Name: "  "}, apperr.KindValidation},
		{"unknown experiment", statemachine.StatusRunning, "e9", CreateInput{Name: "r"}, apperr.KindNotFound},
		{"archived experiment", statemachine.StatusArchived, "e1", CreateInput{Name: "r"}, apperr.KindConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newRunService(t, tt.expStatus)
			r, err := svc.Create(context.Background(), "proj-1", tt.expID, "u1", tt.in)
			if got := apperr.KindOf(err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
			if err == nil && (r.Status != statemachine.StatusCreated || r.Params == nil) {
				t.Errorf("run = %+v, want created with params", r)
			}
		})
	}
}

func TestRunService_ParamsFrozenWhenFinished(t *testing.T) {
	svc, st := newRunService(t, statemachine.StatusRunning)
	ctx := context.Background()
	r, err := svc.Create(ctx, "proj-1", "e1", "u1", CreateInput{Name: "r", Params: map[string]any{"a": 1.0}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	params := map[string]any{"a": 2.0}
	if _, err := svc.Update(ctx, "proj-1", r.ID, UpdateInput{Params: &params}); err != nil {
		t.Fatalf("Update created run: %v", err)
	}
	for _, c := range []statemachine.Change{
		{From: statemachine.StatusCreated, To: statemachine.StatusRunning, At: r.CreatedAt, StartedAt: &r.CreatedAt},
		{From: statemachine.StatusRunning, To: statemachine.StatusCompleted, At: r.CreatedAt, StartedAt: &r.CreatedAt, EndedAt: &r.CreatedAt},
	} {
		if ok, err := st.Runs().ApplyTransition(ctx, "proj-1", r.ID, c); err != nil || !ok {
			t.Fatalf("ApplyTransition %s: %v, %v", c.To, ok, err)
		}
	}
	if _, err := svc.Update(ctx, "proj-1", r.ID, UpdateInput{Params: &params}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("update params of completed run err = %v, want conflict", err)
	}
	name := "renamed"
	got, err := svc.Update(ctx, "proj-1", r.ID, UpdateInput{Name: &name})
	if err != nil {
		t.Fatalf("rename completed run: %v", err)
	}
	if got.Name != name {
		t.Errorf("Name = %q, want %q", got.Name, name)
	}
}

func TestRunService_ListByExperiment(t *testing.T) {
	svc, _ := newRunService(t, statemachine.StatusRunning)
	ctx := context.Background()
	for _, n := range []string{"a", "b"} {
		if _, err := svc.Create(ctx, "proj-1", "e1", "u1", CreateInput{Name: n}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	runs, err := svc.ListByExperiment(ctx, "proj-1", "e1", 0, 0)
	if err != nil {
		t.Fatalf("ListByExperiment: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("len = %d, want 2", len(runs))
	}
	if _, err := svc.ListByExperiment(ctx, "proj-1", "e9", 0, 0); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("unknown experiment err = %v, want not found", err)
	}
}
