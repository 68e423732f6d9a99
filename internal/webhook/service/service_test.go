package service

import (
	"context"
	"reflect"
	"testing"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/webhook/repository"
)

func TestWebhookService_Create(t *testing.T) {
	tests := []struct {
		name      string
		in        CreateInput
		want      apperr.Kind
		wantTypes []string
	}{
		{"ok", CreateInput{TargetURL: "https://hooks.example.com/x", EventTypes: []string{" run.started", "run.started", "", "run.completed"}},
			"", []string{"run.started", "run.completed"}},
		{"missing url", CreateInput{EventTypes: []string{"run.started"}}, apperr.KindValidation, nil},
		{"relative url", CreateInput{TargetURL: "/hook", EventTypes: []string{"run.started"}}, apperr.KindValidation, nil},
		{"ftp url", CreateInput{TargetURL: "ftp://example.com", EventTypes: []string{"run.started"}}, apperr.KindValidation, nil},
		{"blank types", CreateInput{TargetURL: "http://example.com", EventTypes: []string{" ", ""}}, apperr.KindValidation, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewWebhookService(repository.NewMemoryRepository())
			sub, err := svc.Create(context.Background(), "p1", tt.in)
			if got := apperr.KindOf(err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
			if err != nil {
				return
			}
			if !sub.IsActive || sub.ProjectID != "p1" || !reflect.DeepEqual(sub.EventTypes, tt.wantTypes) {
				t.Errorf("subscription = %+v, want active in p1 with %v", sub, tt.wantTypes)
			}
		})
	}
}

func TestWebhookService_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	svc := NewWebhookService(repository.NewMemoryRepository())
	sub, err := svc.Create(ctx, "p1", CreateInput{TargetURL: "https://a.example.com", EventTypes: []string{"run.started"}, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, "p2", CreateInput{TargetURL: "https://b.example.com", EventTypes: []string{"run.started"}}); err != nil {
		t.Fatalf("Create p2: %v", err)
	}

	subs, total, err := svc.List(ctx, "p1", 0, 0)
	if err != nil || total != 1 || len(subs) != 1 || subs[0].ID != sub.ID {
		t.Fatalf("List = %+v, %d, %v; want only %s", subs, total, err, sub.ID)
	}
	if err := svc.Delete(ctx, "p2", sub.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("delete from other project err = %v, want not found", err)
	}
	if err := svc.Delete(ctx, "p1", sub.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, "p1", sub.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("second delete err = %v, want not found", err)
	}
}
