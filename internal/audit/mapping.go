package audit

import "strings"

// ActionResource holds action and resource derived from an HTTP method and chi route pattern.
type ActionResource struct {
	Action   string
	Resource string
}

// APIPrefix is stripped from route patterns before parsing.
const APIPrefix = "/api/v1"

// Route overrides for endpoints whose shape does not follow the collection convention.
var routeOverrides = map[string]ActionResource{
	"POST " + APIPrefix + "/transitions/batch":    {Action: "batch_transition", Resource: "transition"},
	"POST " + APIPrefix + "/telemetry":            {Action: "ingest", Resource: "telemetry"},
	"POST " + APIPrefix + "/runs/{runID}/metrics": {Action: "ingest", Resource: "run_metric"},
	"GET " + APIPrefix + "/runs/{runID}/metrics":  {Action: "list", Resource: "run_metric"},
}

// collections maps URL collection segments to audited resource names.
var collections = map[string]string{
	"experiments":      "experiment",
	"runs":             "run",
	"capture-sessions": "capture_session",
	"sensors":          "sensor",
	"profiles":         "conversion_profile",
	"audit-events":     "audit_event",
	"telemetry":        "telemetry",
	"transitions":      "transition",
	"webhooks":         "webhook",
}

// verbs maps trailing action segments to audit actions.
var verbs = map[string]string{
	"transitions":  "transition",
	"archive":      "archive",
	"export":       "export",
	"rotate-token": "rotate_token",
	"publish":      "publish",
	"stream":       "stream",
}

// ParseRoute returns action and resource for a request (e.g. POST /api/v1/experiments/{experimentID}/runs).
// Resource is the last collection segment in singular form (runs -> run).
// Action is a trailing verb segment when present (transitions -> transition), otherwise it follows
// the method: GET on an item is get, GET on a collection is list, POST create, PATCH/PUT update, DELETE delete.
func ParseRoute(method, pattern string) ActionResource {
	method = strings.ToUpper(method)
	if ar, ok := routeOverrides[method+" "+pattern]; ok {
		return ar
	}
	path := strings.Trim(strings.TrimPrefix(pattern, APIPrefix), "/")
	if path == "" {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	resource, verb, item := "", "", false
	for i, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, "{") {
			item = true
			continue
		}
		if v, ok := verbs[seg]; ok && i > 0 && resource != "" {
			verb = v
			continue
		}
		if r, ok := collections[seg]; ok {
			resource, verb, item = r, "", false
			continue
		}
		verb = strings.ReplaceAll(strings.ToLower(seg), "-", "_")
	}
	if resource == "" {
		resource = "unknown"
	}
	if verb != "" {
		return ActionResource{Action: verb, Resource: resource}
	}
	return ActionResource{Action: methodToAction(method, item), Resource: resource}
}

func methodToAction(method string, item bool) string {
	switch method {
	case "GET", "HEAD":
		if item {
			return "get"
		}
		return "list"
	case "POST":
		return "create"
	case "PATCH", "PUT":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// Mutating reports whether requests with method change state and are worth auditing.
func Mutating(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}
