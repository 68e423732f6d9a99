package attachment

import (
	"context"
	"errors"
	"testing"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/telemetry/domain"
)

// fakeLookup is a snapshot of session and run state. latest is the project's most recently
// started active session id.
type fakeLookup struct {
	sessions map[string]*SessionRef
	runs     map[string]bool
	latest   string
	err      error
}

func (f *fakeLookup) CaptureSession(_ context.Context, _, id string) (*SessionRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeLookup) Run(_ context.Context, _, id string) (*RunRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !f.runs[id] {
		return nil, nil
	}
	return &RunRef{ID: id}, nil
}

func (f *fakeLookup) ActiveSessionForRun(_ context.Context, _, runID string) (*SessionRef, error) {
	for _, s := range f.sessions {
		if s.RunID == runID && statemachine.IsActive(s.Status) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeLookup) LatestActiveSession(_ context.Context, _ string) (*SessionRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.latest == "" {
		return nil, nil
	}
	cp := *f.sessions[f.latest]
	return &cp, nil
}

func snapshot() *fakeLookup {
	return &fakeLookup{
		sessions: map[string]*SessionRef{
			"s-running":  {ID: "s-running", RunID: "r1", Status: statemachine.StatusRunning},
			"s-backfill": {ID: "s-backfill", RunID: "r2", Status: statemachine.StatusBackfilling},
			"s-done":     {ID: "s-done", RunID: "r1", Status: statemachine.StatusSucceeded},
			"s-failed":   {ID: "s-failed", RunID: "r1", Status: statemachine.StatusFailed},
			"s-archived": {ID: "s-archived", RunID: "r1", Status: statemachine.StatusArchived},
			"s-flagged":  {ID: "s-flagged", RunID: "r3", Status: statemachine.StatusDraft, Archived: true},
			"s-draft":    {ID: "s-draft", RunID: "r3", Status: statemachine.StatusDraft},
		},
		runs:   map[string]bool{"r1": true, "r2": true, "r3": true},
		latest: "s-running",
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		latest   string
		run      string
		session  string
		want     Resolution
		wantKind apperr.Kind
	}{
		{
			name: "no explicit ids attaches to the project's active session",
			want: Resolution{RunID: "r1", CaptureSessionID: "s-running", Outcome: domain.OutcomeAttached},
		},
		{
			name:   "no explicit ids and nothing active",
			latest: "-",
			want:   Resolution{Outcome: domain.OutcomeUnattached},
		},
		{
			name:    "explicit active session",
			session: "s-backfill",
			want:    Resolution{RunID: "r2", CaptureSessionID: "s-backfill", Outcome: domain.OutcomeAttached},
		},
		{
			name:    "explicit succeeded session is late",
			session: "s-done",
			want:    Resolution{Outcome: domain.OutcomeLate, RequestedSessionID: "s-done"},
		},
		{
			name:    "explicit failed session is late",
			session: "s-failed",
			want:    Resolution{Outcome: domain.OutcomeLate, RequestedSessionID: "s-failed"},
		},
		{
			name:    "explicit archived session is late",
			session: "s-archived",
			want:    Resolution{Outcome: domain.OutcomeLate, RequestedSessionID: "s-archived"},
		},
		{
			name:    "explicit session with archived flag is late",
			session: "s-flagged",
			want:    Resolution{Outcome: domain.OutcomeLate, RequestedSessionID: "s-flagged"},
		},
		{
			name:    "explicit draft session belongs to its run only",
			session: "s-draft",
			want:    Resolution{RunID: "r3", Outcome: domain.OutcomeUnattached},
		},
		{
			name:    "explicit session wins over explicit run when they agree",
			run:     "r1",
			session: "s-running",
			want:    Resolution{RunID: "r1", CaptureSessionID: "s-running", Outcome: domain.OutcomeAttached},
		},
		{
			name: "explicit run with an active session",
			run:  "r2",
			want: Resolution{RunID: "r2", CaptureSessionID: "s-backfill", Outcome: domain.OutcomeAttached},
		},
		{
			name: "explicit run without an active session",
			run:  "r3",
			want: Resolution{RunID: "r3", Outcome: domain.OutcomeUnattached},
		},
		{
			name:     "unknown session",
			session:  "nope",
			wantKind: apperr.KindNotFound,
		},
		{
			name:     "unknown run",
			run:      "nope",
			wantKind: apperr.KindNotFound,
		},
		{
			name:     "session and run disagree",
			run:      "r2",
			session:  "s-running",
			wantKind: apperr.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := snapshot()
			if tt.latest == "-" {
				lookup.latest = ""
			}
			got, err := Resolve(context.Background(), lookup, "p1", "sensor-1", tt.run, tt.session)
			if tt.wantKind != "" {
				if !apperr.IsKind(err, tt.wantKind) {
					t.Fatalf("err = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve = %+v, want %+v", got, tt.want)
			}
			if got.Late() && (got.RunID != "" || got.CaptureSessionID != "") {
				t.Errorf("late resolution carries linkage: %+v", got)
			}
			if got.Attached() && got.Late() {
				t.Errorf("resolution both attached and late: %+v", got)
			}
		})
	}
}

// Scenario A then B: the same session attaches while running and is late once succeeded.
func TestResolve_SessionFinalizedBetweenBatches(t *testing.T) {
	lookup := &fakeLookup{
		sessions: map[string]*SessionRef{"S": {ID: "S", RunID: "R", Status: statemachine.StatusRunning}},
		runs:     map[string]bool{"R": true},
		latest:   "S",
	}
	ctx := context.Background()
	got, err := Resolve(ctx, lookup, "p1", "sensor-1", "", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Attached() || got.RunID != "R" || got.CaptureSessionID != "S" {
		t.Fatalf("running session: got %+v", got)
	}

	lookup.sessions["S"].Status = statemachine.StatusSucceeded
	lookup.latest = ""
	got, err = Resolve(ctx, lookup, "p1", "sensor-1", "", "S")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Late() || got.Attached() || got.RunID != "" || got.CaptureSessionID != "" {
		t.Fatalf("succeeded session: got %+v", got)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	lookup := snapshot()
	inputs := []struct{ run, session string }{
		{"", ""}, {"r1", ""}, {"r3", ""}, {"", "s-done"}, {"", "s-draft"}, {"r2", "s-backfill"},
	}
	for _, in := range inputs {
		first, err := Resolve(context.Background(), lookup, "p1", "sensor-1", in.run, in.session)
		if err != nil {
			t.Fatalf("Resolve(%q, %q): %v", in.run, in.session, err)
		}
		for i := 0; i < 20; i++ {
			again, err := Resolve(context.Background(), lookup, "p1", "sensor-1", in.run, in.session)
			if err != nil {
				t.Fatalf("Resolve(%q, %q): %v", in.run, in.session, err)
			}
			if again != first {
				t.Fatalf("Resolve(%q, %q) = %+v, then %+v", in.run, in.session, first, again)
			}
		}
	}
}

func TestResolve_LookupError(t *testing.T) {
	boom := errors.New("boom")
	lookup := snapshot()
	lookup.err = boom
	for _, in := range []struct{ run, session string }{{"", ""}, {"r1", ""}, {"", "s-running"}} {
		if _, err := Resolve(context.Background(), lookup, "p1", "sensor-1", in.run, in.session); !errors.Is(err, boom) {
			t.Errorf("Resolve(%q, %q) err = %v, want %v", in.run, in.session, err, boom)
		}
	}
}
