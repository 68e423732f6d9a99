// Package domain defines the idempotency record stored per (scope, key).
package domain

import "time"

// State is the lifecycle of an idempotency record.
type State string

const (
	// StateInFlight means the first request holds the reservation and has not recorded an outcome.
	StateInFlight State = "in_flight"
	// StateCompleted means the outcome is recorded and duplicates replay it.
	StateCompleted State = "completed"
)

// Scope isolates keys per caller and project so two tenants never share a key space.
type Scope struct {
	UserID    string
	ProjectID string
}

// String returns the storage form of the scope.
func (s Scope) String() string {
	return s.ProjectID + "/" + s.UserID
}

// Response is the recorded outcome of a mutation, replayed verbatim to duplicates.
// Header holds the other response headers worth replaying (Location, ETag, ...).
type Response struct {
	StatusCode  int
	ContentType string
	Header      map[string][]string
	Body        []byte
}

// CloneHeader returns a deep copy of h, or nil when h is empty.
func CloneHeader(h map[string][]string) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Record is one idempotency key reservation or recorded outcome.
type Record struct {
	Scope       string
	Key         string
	Fingerprint string
	State       State
	// OwnerToken identifies the reservation holder; Complete and Release must present it.
	OwnerToken     string
	LeaseExpiresAt time.Time
	Response       *Response
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the record is past its retention window.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Abandoned reports whether an in-flight reservation outlived its lease (owner crashed or hung).
func (r *Record) Abandoned(now time.Time) bool {
	return r.State == StateInFlight && !r.LeaseExpiresAt.After(now)
}

// Supersedable reports whether a new reservation may replace this record.
func (r *Record) Supersedable(now time.Time) bool {
	return r.Expired(now) || r.Abandoned(now)
}
