package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Fingerprint returns the SHA-256 hex digest of method, path and the canonical form of body.
// Bodies that decode as JSON are canonicalized (sorted keys, no insignificant whitespace) so
// semantically identical payloads share a fingerprint; other bodies are hashed as-is.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(CanonicalJSON(body))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalJSON re-encodes body with object keys sorted. encoding/json sorts map keys on
// marshal, so a decode into any followed by Marshal is canonical. Non-JSON input is returned unchanged.
func CanonicalJSON(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return body
	}
	out, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return out
}
