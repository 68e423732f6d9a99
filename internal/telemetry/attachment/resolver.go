// Package attachment decides which run and capture session a telemetry batch belongs to.
package attachment

import (
	"context"
	"fmt"

	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/telemetry/domain"
)

// SessionRef is the part of a capture session the resolver needs.
type SessionRef struct {
	ID       string
	RunID    string
	Status   statemachine.Status
	Archived bool
}

// RunRef is the part of a run the resolver needs.
type RunRef struct {
	ID string
}

// Lookup reads session and run state. Implementations return (nil, nil) when nothing matches.
// Inside an ingest scope, the reads must hold the rows stable until the records are written.
type Lookup interface {
	CaptureSession(ctx context.Context, projectID, id string) (*SessionRef, error)
	Run(ctx context.Context, projectID, id string) (*RunRef, error)
	// ActiveSessionForRun returns the run's running or backfilling session.
	ActiveSessionForRun(ctx context.Context, projectID, runID string) (*SessionRef, error)
	// LatestActiveSession returns the most recently started active session in the project.
	LatestActiveSession(ctx context.Context, projectID string) (*SessionRef, error)
}

// Resolution is where a batch's records go. Empty ids mean no linkage.
type Resolution struct {
	RunID            string
	CaptureSessionID string
	Outcome          domain.AttachmentOutcome
	// RequestedSessionID is the explicitly named session, kept on late records for tracing.
	RequestedSessionID string
}

// Late reports whether the batch named a session that had already finished.
func (r Resolution) Late() bool { return r.Outcome == domain.OutcomeLate }

// Attached reports whether the batch is linked to an active session.
func (r Resolution) Attached() bool { return r.Outcome == domain.OutcomeAttached }

// Resolve applies, first match wins: an explicit session, then an explicit run's active session,
// then the project's most recently started active session. It never fails because a session is
// inactive; that yields a late or unattached resolution instead.
func Resolve(ctx context.Context, lookup Lookup, projectID, sensorID, explicitRunID, explicitSessionID string) (Resolution, error) {
	if explicitSessionID != "" {
		return resolveSession(ctx, lookup, projectID, explicitRunID, explicitSessionID)
	}
	if explicitRunID != "" {
		run, err := lookup.Run(ctx, projectID, explicitRunID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve run: %w", err)
		}
		if run == nil {
			return Resolution{}, apperr.NotFound("run", explicitRunID)
		}
		active, err := lookup.ActiveSessionForRun(ctx, projectID, run.ID)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve active session for run: %w", err)
		}
		if active != nil {
			return attached(active), nil
		}
		return Resolution{RunID: run.ID, Outcome: domain.OutcomeUnattached}, nil
	}
	active, err := lookup.LatestActiveSession(ctx, projectID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve active session for project: %w", err)
	}
	if active != nil {
		return attached(active), nil
	}
	return Resolution{Outcome: domain.OutcomeUnattached}, nil
}

func resolveSession(ctx context.Context, lookup Lookup, projectID, explicitRunID, sessionID string) (Resolution, error) {
	s, err := lookup.CaptureSession(ctx, projectID, sessionID)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve capture session: %w", err)
	}
	if s == nil {
		return Resolution{}, apperr.NotFound("capture session", sessionID)
	}
	if explicitRunID != "" && explicitRunID != s.RunID {
		return Resolution{}, apperr.Validation("capture session %s does not belong to run %s", sessionID, explicitRunID)
	}
	switch {
	case s.Archived || statemachine.IsTerminal(statemachine.KindCaptureSession, s.Status):
		return Resolution{Outcome: domain.OutcomeLate, RequestedSessionID: s.ID}, nil
	case statemachine.IsActive(s.Status):
		return attached(s), nil
	default:
		// draft: the session exists but has not started recording
		return Resolution{RunID: s.RunID, Outcome: domain.OutcomeUnattached}, nil
	}
}

func attached(s *SessionRef) Resolution {
	return Resolution{RunID: s.RunID, CaptureSessionID: s.ID, Outcome: domain.OutcomeAttached}
}
