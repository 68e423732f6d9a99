package domain

import "time"

// Policy is a project-level Rego module that replaces the built-in access policy.
type Policy struct {
	ID        string
	ProjectID string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}
