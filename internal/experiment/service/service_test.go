package service

import (
	"context"
	"reflect"
	"testing"

	"experiment-tracking/backend/internal/experiment/repository"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/store/memory"
)

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" b", "a", "", "b", "  "})
	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeTags = %v, want %v", got, want)
	}
	if got := NormalizeTags(nil); got == nil || len(got) != 0 {
		t.Errorf("NormalizeTags(nil) = %#v, want empty slice", got)
	}
}

func TestExperimentService_CreateGetUpdate(t *testing.T) {
	st := memory.New()
	svc := NewExperimentService(st.Experiments(), nil)
	ctx := context.Background()

	e, err := svc.Create(ctx, "proj-1", "u1", CreateInput{Name: "  soak  ", Tags: []string{"x", "x"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if e.Name != "soak" || e.Status != statemachine.StatusCreated || len(e.Tags) != 1 || e.Metadata == nil {
		t.Errorf("created = %+v", e)
	}
	if _, err := svc.Get(ctx, "proj-2", e.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Get from other project err = %v, want not found", err)
	}

	desc := "updated"
	got, err := svc.Update(ctx, "proj-1", e.ID, UpdateInput{Description: &desc})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Description != desc || got.Name != "soak" {
		t.Errorf("updated = %+v", got)
	}
	empty := " "
	if _, err := svc.Update(ctx, "proj-1", e.ID, UpdateInput{Name: &empty}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("blank name err = %v, want validation", err)
	}
}

func TestExperimentService_Validation(t *testing.T) {
	svc := NewExperimentService(memory.New().Experiments(), nil)
	ctx := context.Background()
	long := make([]byte, maxNameLength+1)
	for i := range long {
		long[i] = 'n'
	}
	tests := []struct {
		name string
		run  func() error
	}{
		{"blank name", func() error { _, err := svc.Create(ctx, "p", "u", CreateInput{Name: " "}); return err }},
		{"long name", func() error { _, err := svc.Create(ctx, "p", "u", CreateInput{Name: string(long)}); return err }},
		{"unknown status filter", func() error {
			_, err := svc.List(ctx, "p", repository.ListFilter{Status: "paused"})
			return err
		}},
		{"limit too high", func() error { _, err := svc.List(ctx, "p", repository.ListFilter{Limit: 501}); return err }},
		{"negative offset", func() error { _, err := svc.List(ctx, "p", repository.ListFilter{Offset: -1}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("err = %v, want validation", err)
			}
		})
	}
}

func TestExperimentService_ArchivedIsReadOnly(t *testing.T) {
	st := memory.New()
	svc := NewExperimentService(st.Experiments(), nil)
	ctx := context.Background()
	e, err := svc.Create(ctx, "proj-1", "u1", CreateInput{Name: "old"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := st.Experiments().ApplyTransition(ctx, "proj-1", e.ID, statemachine.Change{
		From: statemachine.StatusCreated, To: statemachine.StatusArchived, At: e.CreatedAt, ArchivedAt: &e.CreatedAt,
	})
	if err != nil || !ok {
		t.Fatalf("ApplyTransition = %v, %v", ok, err)
	}
	name := "new"
	if _, err := svc.Update(ctx, "proj-1", e.ID, UpdateInput{Name: &name}); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("update archived err = %v, want conflict", err)
	}
	list, err := svc.List(ctx, "proj-1", repository.ListFilter{Status: statemachine.StatusArchived})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("archived list = %d, want 1", len(list))
	}
}
