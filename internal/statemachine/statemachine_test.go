package statemachine

import (
	"testing"
	"time"

	"experiment-tracking/backend/internal/platform/apperr"
)

type edge struct{ from, to Status }

func allowedSet(edges ...edge) map[edge]bool {
	m := make(map[edge]bool, len(edges))
	for _, e := range edges {
		m[e] = true
	}
	return m
}

func TestCanTransition_ExhaustivePairs(t *testing.T) {
	cases := map[Kind]map[edge]bool{
		KindExperiment: allowedSet(
			edge{StatusCreated, StatusRunning},
			edge{StatusRunning, StatusCompleted},
			edge{StatusRunning, StatusFailed},
			edge{StatusCreated, StatusArchived},
			edge{StatusRunning, StatusArchived},
			edge{StatusCompleted, StatusArchived},
			edge{StatusFailed, StatusArchived},
		),
		KindRun: allowedSet(
			edge{StatusCreated, StatusRunning},
			edge{StatusRunning, StatusCompleted},
			edge{StatusRunning, StatusFailed},
			edge{StatusCreated, StatusArchived},
			edge{StatusRunning, StatusArchived},
			edge{StatusCompleted, StatusArchived},
			edge{StatusFailed, StatusArchived},
		),
		KindCaptureSession: allowedSet(
			edge{StatusDraft, StatusRunning},
			edge{StatusRunning, StatusBackfilling},
			edge{StatusRunning, StatusSucceeded},
			edge{StatusRunning, StatusFailed},
			edge{StatusBackfilling, StatusSucceeded},
			edge{StatusBackfilling, StatusFailed},
			edge{StatusDraft, StatusArchived},
			edge{StatusRunning, StatusArchived},
			edge{StatusBackfilling, StatusArchived},
			edge{StatusSucceeded, StatusArchived},
			edge{StatusFailed, StatusArchived},
		),
		KindSensor: allowedSet(
			edge{StatusRegistering, StatusActive},
			edge{StatusRegistering, StatusDecommissioned},
			edge{StatusActive, StatusInactive},
			edge{StatusActive, StatusDecommissioned},
			edge{StatusInactive, StatusActive},
			edge{StatusInactive, StatusDecommissioned},
		),
		KindConversionProfile: allowedSet(
			edge{StatusDraft, StatusScheduled},
			edge{StatusDraft, StatusActive},
			edge{StatusDraft, StatusDeprecated},
			edge{StatusScheduled, StatusActive},
			edge{StatusScheduled, StatusDeprecated},
			edge{StatusActive, StatusDeprecated},
		),
	}
	for kind, allowed := range cases {
		statuses := Statuses(kind)
		for _, from := range statuses {
			for _, to := range statuses {
				got := CanTransition(kind, from, to).Allowed
				want := allowed[edge{from, to}]
				if got != want {
					t.Errorf("%s %s -> %s: allowed = %v, want %v", kind, from, to, got, want)
				}
			}
		}
	}
}

func TestCanTransition_TerminalOnlyToArchived(t *testing.T) {
	for _, kind := range []Kind{KindExperiment, KindRun, KindCaptureSession} {
		for _, from := range Statuses(kind) {
			if !IsTerminal(kind, from) {
				continue
			}
			for _, to := range Statuses(kind) {
				if to == StatusArchived {
					continue
				}
				if CanTransition(kind, from, to).Allowed {
					t.Errorf("%s: terminal %s -> %s should be rejected", kind, from, to)
				}
			}
		}
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	d := CanTransition(KindRun, StatusRunning, "paused")
	if d.Allowed {
		t.Fatal("unknown target should be rejected")
	}
	if d.Reason != "unknown target status" {
		t.Errorf("Reason = %q", d.Reason)
	}
	if CanTransition("widget", StatusCreated, StatusRunning).Allowed {
		t.Error("unknown kind should be rejected")
	}
}

func TestApply_RunDurationIsEndMinusStart(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := start.Add(90*time.Minute + 1500*time.Microsecond)
	s := Subject{Kind: KindRun, ID: "r1", Status: StatusRunning, StartedAt: &start}

	c, err := Apply(s, StatusCompleted, now)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c.EndedAt == nil || !c.EndedAt.Equal(now) {
		t.Fatalf("EndedAt = %v, want %v", c.EndedAt, now)
	}
	if c.Duration == nil || *c.Duration != now.Sub(start) {
		t.Errorf("Duration = %v, want %v", c.Duration, now.Sub(start))
	}
	if !c.StartedAt.Equal(start) {
		t.Errorf("StartedAt changed to %v", c.StartedAt)
	}
}

func TestApply_RunFinishWithoutStartIsInvalidState(t *testing.T) {
	s := Subject{Kind: KindRun, ID: "r1", Status: StatusRunning}
	_, err := Apply(s, StatusFailed, time.Now().UTC())
	if !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestApply_RunningSetsStartOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c, err := Apply(Subject{Kind: KindCaptureSession, Status: StatusDraft}, StatusRunning, now)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c.StartedAt == nil || !c.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", c.StartedAt, now)
	}
	if c.EndedAt != nil || c.Duration != nil {
		t.Error("running should not set end or duration")
	}
}

func TestApply_ArchiveKeepsDurationUnset(t *testing.T) {
	now := time.Now().UTC()
	c, err := Apply(Subject{Kind: KindRun, Status: StatusCreated}, StatusArchived, now)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c.ArchivedAt == nil || !c.ArchivedAt.Equal(now) {
		t.Errorf("ArchivedAt = %v, want %v", c.ArchivedAt, now)
	}
	if c.Duration != nil {
		t.Errorf("Duration = %v, want nil", *c.Duration)
	}
}

func TestApply_RejectionNamesBothStatuses(t *testing.T) {
	_, err := Apply(Subject{Kind: KindCaptureSession, Status: StatusSucceeded}, StatusRunning, time.Now())
	var e *apperr.Error
	if !asAppErr(err, &e) {
		t.Fatalf("err = %v, want *apperr.Error", err)
	}
	if e.Kind != apperr.KindConflict {
		t.Errorf("Kind = %q, want conflict", e.Kind)
	}
	if e.Current != "succeeded" || e.Requested != "running" {
		t.Errorf("Current/Requested = %q/%q", e.Current, e.Requested)
	}
}

func TestApply_SameStatusRejected(t *testing.T) {
	_, err := Apply(Subject{Kind: KindExperiment, Status: StatusRunning}, StatusRunning, time.Now())
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestIsActive(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusDraft: false, StatusRunning: true, StatusBackfilling: true,
		StatusSucceeded: false, StatusFailed: false, StatusArchived: false,
	} {
		if got := IsActive(s); got != want {
			t.Errorf("IsActive(%s) = %v, want %v", s, got, want)
		}
	}
}

func asAppErr(err error, target **apperr.Error) bool {
	e, ok := err.(*apperr.Error)
	if ok {
		*target = e
	}
	return ok
}
