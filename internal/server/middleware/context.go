package middleware

import (
	"context"
	"net/http"

	"experiment-tracking/backend/internal/platform/apperr"
)

type contextKey struct{ name string }

var (
	identityKey  = contextKey{"identity"}
	requestIDKey = contextKey{"request_id"}
)

// Identity is the authenticated caller within one project.
type Identity struct {
	UserID    string
	ProjectID string
	Role      string
}

// WithIdentity returns a context carrying id. Handlers read it via IdentityFrom.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the caller identity and true if set; otherwise a zero Identity, false.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	return v, ok
}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id from context, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// Caller returns the identity set by Authenticate, or an unauthenticated error when the route was
// not behind it.
func Caller(r *http.Request) (Identity, error) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		return Identity{}, apperr.Unauthenticated("missing caller identity")
	}
	return id, nil
}
