package engine

import "context"

// Input is what an access decision is made on.
type Input struct {
	// Role is the caller's project role: owner, editor or viewer.
	Role string `json:"role"`
	// Action and Resource come from the matched route (e.g. transition on run).
	Action   string `json:"action"`
	Resource string `json:"resource"`
}

// Evaluator decides whether a caller may perform an action within a project.
type Evaluator interface {
	// Allow evaluates the project's policy (or the built-in one) for in.
	Allow(ctx context.Context, projectID string, in Input) (bool, error)
}
