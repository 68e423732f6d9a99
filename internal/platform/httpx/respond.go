// Package httpx holds the JSON response helpers shared by HTTP handlers and middleware.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"experiment-tracking/backend/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Current   string `json:"current_status,omitempty"`
	Requested string `json:"requested_status,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpx: encode response: %v", err)
	}
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WriteError maps err to a status and JSON body. Internal errors are logged and their detail hidden.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := ErrorBody{Error: err.Error(), Kind: string(apperr.KindOf(err))}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Current, body.Requested = e.Current, e.Requested
	}
	if status == http.StatusInternalServerError {
		if apperr.IsKind(err, apperr.KindInvalidState) {
			log.Printf("httpx: INVALID STATE: %v", err)
		} else {
			log.Printf("httpx: internal error: %v", err)
		}
		body = ErrorBody{Error: "internal error", Kind: "internal"}
	}
	WriteJSON(w, status, body)
}

// DecodeJSON decodes r's body into v, rejecting unknown fields and trailing data.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	if dec.More() {
		return apperr.Validation("request body must contain a single JSON object")
	}
	return nil
}

// QueryInt parses the named query parameter, returning def when it is absent.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}

// Page reads limit and offset query parameters.
func Page(r *http.Request) (limit, offset int, err error) {
	if limit, err = QueryInt(r, "limit", 0); err != nil {
		return 0, 0, err
	}
	if offset, err = QueryInt(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit < 0 || offset < 0 {
		return 0, 0, apperr.Validation("limit and offset must be non-negative")
	}
	return limit, offset, nil
}
