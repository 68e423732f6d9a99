package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("create run: %w", NotFound("experiment", "e1"))
	if got := KindOf(err); got != KindNotFound {
		t.Errorf("KindOf = %q, want %q", got, KindNotFound)
	}
	if !IsKind(err, KindNotFound) {
		t.Error("IsKind should be true for wrapped not_found")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != "" {
		t.Errorf("KindOf = %q, want empty", got)
	}
	if IsKind(nil, KindConflict) {
		t.Error("IsKind(nil) should be false")
	}
}

func TestTransitionConflict_Message(t *testing.T) {
	err := TransitionConflict("run", "completed", "running")
	want := "run status transition not allowed (current=completed, requested=running)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if err.Current != "completed" || err.Requested != "running" {
		t.Errorf("Current/Requested = %q/%q", err.Current, err.Requested)
	}
}

func TestErrorsIs_MatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("ordinal taken"))
	if !errors.Is(err, &Error{Kind: KindConflict}) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(err, &Error{Kind: KindTimeout}) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestWrap_Unwraps(t *testing.T) {
	cause := errors.New("db down")
	err := Wrap(KindInvalidState, cause, "run %s", "r1")
	if !errors.Is(err, cause) {
		t.Error("Wrap should keep the cause in the chain")
	}
	if err.Error() != "run r1: db down" {
		t.Errorf("Error() = %q", err.Error())
	}
}
