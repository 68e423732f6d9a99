// Package handler exposes the idempotency coordinator as HTTP middleware keyed by the Idempotency-Key header.
package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"experiment-tracking/backend/internal/idempotency"
	"experiment-tracking/backend/internal/idempotency/domain"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/platform/httpx"
	"experiment-tracking/backend/internal/server/middleware"
)

const (
	// HeaderKey is the request header carrying the client's idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from a recorded outcome.
	HeaderReplayed = "Idempotent-Replayed"
)

// MaxBodyBytes bounds the body read for fingerprinting.
const MaxBodyBytes = 1 << 20

// Doer is the coordinator surface the middleware needs.
type Doer interface {
	Do(ctx context.Context, scope domain.Scope, key, fingerprint string, fn func(context.Context) (domain.Response, error)) (domain.Response, bool, error)
}

// Middleware makes POST handlers idempotent when the request carries an Idempotency-Key header.
// Requests without the header, and non-POST requests, pass through unchanged.
func Middleware(coord Doer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := middleware.IdentityFrom(r.Context())
			if !ok {
				httpx.WriteError(w, apperr.Unauthenticated("missing caller identity"))
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
			if err != nil {
				httpx.WriteError(w, apperr.Validation("read body: %v", err))
				return
			}
			if len(body) > MaxBodyBytes {
				httpx.WriteError(w, apperr.Validation("request body exceeds %d bytes", MaxBodyBytes))
				return
			}
			fp := idempotency.Fingerprint(r.Method, r.URL.Path, body)
			scope := domain.Scope{UserID: id.UserID, ProjectID: id.ProjectID}

			resp, replayed, err := coord.Do(r.Context(), scope, key, fp, func(ctx context.Context) (domain.Response, error) {
				rec := newCapture()
				req := r.Clone(ctx)
				req.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(rec, req)
				return rec.response(), nil
			})
			if err != nil {
				httpx.WriteError(w, err)
				return
			}
			if replayed {
				w.Header().Set(HeaderReplayed, "true")
			}
			for k, vs := range resp.Header {
				w.Header()[k] = append([]string(nil), vs...)
			}
			if resp.ContentType != "" {
				w.Header().Set("Content-Type", resp.ContentType)
			}
			w.WriteHeader(resp.StatusCode)
			_, _ = w.Write(resp.Body)
		})
	}
}

// capture buffers a handler's response so it can be recorded before being sent.
type capture struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newCapture() *capture {
	return &capture{header: make(http.Header)}
}

func (c *capture) Header() http.Header { return c.header }

func (c *capture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *capture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.buf.Write(p)
}

// unrecorded headers are recomputed for every response and never replayed.
var unrecorded = map[string]bool{
	"Content-Type":      true,
	"Content-Length":    true,
	"Date":              true,
	"Transfer-Encoding": true,
	"Connection":        true,
	HeaderReplayed:      true,
}

func (c *capture) response() domain.Response {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	var hdr map[string][]string
	for k, vs := range c.header {
		if unrecorded[http.CanonicalHeaderKey(k)] || len(vs) == 0 {
			continue
		}
		if hdr == nil {
			hdr = make(map[string][]string)
		}
		hdr[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return domain.Response{StatusCode: status, ContentType: c.header.Get("Content-Type"), Header: hdr, Body: c.buf.Bytes()}
}
