// Package loki pushes domain events to Grafana Loki for long-term archival and search.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters we avoid in label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)

// Job is the job label on every pushed stream.
const Job = "experiment-tracking"

// eventFields are the event fields promoted to stream labels. Entity ids stay in the line to keep cardinality bounded.
type eventFields struct {
	ProjectID  string `json:"project_id"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	OccurredAt string `json:"occurred_at"`
}

// Client pushes to one Loki instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL (e.g. http://localhost:3100).
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

// PushEventJSON parses an event JSON message value, extracts timestamp and labels, and pushes it.
// If parsing fails the raw line is pushed with the current time and only the job label.
func (c *Client) PushEventJSON(ctx context.Context, rawJSON []byte) error {
	labels := map[string]string{}
	ts := time.Now().UTC()
	var f eventFields
	if err := json.Unmarshal(rawJSON, &f); err == nil {
		if f.ProjectID != "" {
			labels["project_id"] = f.ProjectID
		}
		if f.Type != "" {
			labels["event_type"] = f.Type
		}
		if f.EntityKind != "" {
			labels["entity_kind"] = f.EntityKind
		}
		if t, err := time.Parse(time.RFC3339Nano, f.OccurredAt); err == nil && !t.IsZero() {
			ts = t
		}
	}
	return c.Push(ctx, ts, string(rawJSON), labels)
}

// Push sends a single line with the given labels.
// Returns an error if the request fails or Loki returns non-2xx.
func (c *Client) Push(ctx context.Context, timestamp time.Time, line string, labels map[string]string) error {
	if c.baseURL == "" {
		return fmt.Errorf("loki: base URL is empty")
	}
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = Job
	for k, v := range labels {
		if s := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_"); s != "" {
			streamLabels[k] = s
		}
	}
	body := PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{strconv.FormatInt(timestamp.UnixNano(), 10), line}},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
