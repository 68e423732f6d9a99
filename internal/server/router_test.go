package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"experiment-tracking/backend/internal/events"
	healthhandler "experiment-tracking/backend/internal/health/handler"
	"experiment-tracking/backend/internal/idempotency"
	idemrepo "experiment-tracking/backend/internal/idempotency/repository"
	"experiment-tracking/backend/internal/policy/engine"
	"experiment-tracking/backend/internal/server/middleware"
	"experiment-tracking/backend/internal/store/memory"
	webhookservice "experiment-tracking/backend/internal/webhook/service"
)

const testProject = "p1"

type testAPI struct {
	t     *testing.T
	h     http.Handler
	repos Repositories
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	repos := MemoryRepositories(memory.New())
	coord := idempotency.NewCoordinator(idemrepo.NewMemoryRepository(), idempotency.Config{WaitTimeout: time.Second})
	svcs := NewServices(repos, coord, events.Noop{}, Limits{})
	policy, err := engine.NewOPAEvaluator(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	reg := prometheus.NewRegistry()
	deps := svcs.Handlers(repos, policy, nil)
	deps.Idempotency = coord
	deps.Health = healthhandler.NewServer(nil, nil)
	deps.Metrics = middleware.NewHTTPMetrics(reg)
	deps.Gatherer = reg
	return &testAPI{t: t, h: NewRouter(deps), repos: repos}
}

func (a *testAPI) do(method, path, role string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set(middleware.HeaderUserID, "u1")
		req.Header.Set(middleware.HeaderProjectID, testProject)
		req.Header.Set(middleware.HeaderProjectRole, role)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func (a *testAPI) mustCreate(path string, body any) map[string]any {
	a.t.Helper()
	rec := a.do(http.MethodPost, path, "owner", body, nil)
	if rec.Code != http.StatusCreated {
		a.t.Fatalf("POST %s = %d %s", path, rec.Code, rec.Body.String())
	}
	return decode(a.t, rec)
}

func TestRouter_CreateIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	key := map[string]string{"Idempotency-Key": "create-1"}
	body := map[string]any{"name": "exp-a"}

	first := api.do(http.MethodPost, "/api/v1/experiments", "editor", body, key)
	if first.Code != http.StatusCreated {
		t.Fatalf("first create = %d %s", first.Code, first.Body.String())
	}
	second := api.do(http.MethodPost, "/api/v1/experiments", "editor", body, key)
	if second.Code != http.StatusCreated {
		t.Fatalf("second create = %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("second create not marked as replayed")
	}
	if a, b := decode(t, first)["id"], decode(t, second)["id"]; a != b {
		t.Errorf("replayed id = %v, want %v", b, a)
	}

	conflict := api.do(http.MethodPost, "/api/v1/experiments", "editor", map[string]any{"name": "exp-b"}, key)
	if conflict.Code != http.StatusConflict {
		t.Errorf("reused key with new body = %d, want 409", conflict.Code)
	}

	list := api.do(http.MethodGet, "/api/v1/experiments", "viewer", nil, nil)
	if got := len(decode(t, list)["experiments"].([]any)); got != 1 {
		t.Errorf("experiments = %d, want 1", got)
	}

	audits := api.do(http.MethodGet, "/api/v1/audit-events?entity_kind=experiment", "owner", nil, nil)
	evs := decode(t, audits)["events"].([]any)
	if len(evs) != 1 {
		t.Fatalf("audit events = %d, want 1: %s", len(evs), audits.Body.String())
	}
	ev := evs[0].(map[string]any)
	if ev["action"] != "create" || ev["entity_id"] != decode(t, first)["id"] {
		t.Errorf("audit event = %v", ev)
	}
}

func TestRouter_RoleEnforcement(t *testing.T) {
	api := newTestAPI(t)
	tests := []struct {
		name   string
		method string
		path   string
		role   string
		body   any
		want   int
	}{
		{"viewer cannot create", http.MethodPost, "/api/v1/experiments", "viewer", map[string]any{"name": "x"}, http.StatusForbidden},
		{"viewer lists", http.MethodGet, "/api/v1/experiments", "viewer", nil, http.StatusOK},
		{"editor cannot register sensors", http.MethodPost, "/api/v1/sensors", "editor", map[string]any{"name": "s", "type": "t", "input_unit": "mV"}, http.StatusForbidden},
		{"editor lists sensors", http.MethodGet, "/api/v1/sensors", "editor", nil, http.StatusOK},
		{"owner registers sensors", http.MethodPost, "/api/v1/sensors", "owner", map[string]any{"name": "s", "type": "t", "input_unit": "mV"}, http.StatusCreated},
		{"viewer cannot read audit", http.MethodGet, "/api/v1/audit-events", "viewer", nil, http.StatusForbidden},
		{"unknown role", http.MethodGet, "/api/v1/experiments", "admin", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(tt.method, tt.path, tt.role, tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRouter_AuthenticationErrors(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(http.MethodGet, "/api/v1/experiments", "", nil, map[string]string{middleware.HeaderProjectID: testProject})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no user = %d, want 401", rec.Code)
	}
	rec = api.do(http.MethodGet, "/api/v1/experiments", "", nil, map[string]string{middleware.HeaderUserID: "u1", middleware.HeaderProjectRole: "owner"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no project = %d, want 400", rec.Code)
	}
}

func TestRouter_SessionTelemetryFlow(t *testing.T) {
	api := newTestAPI(t)
	exp := api.mustCreate("/api/v1/experiments", map[string]any{"name": "exp"})
	run := api.mustCreate("/api/v1/experiments/"+exp["id"].(string)+"/runs", map[string]any{"name": "run-1"})
	runID := run["id"].(string)
	cs := api.mustCreate("/api/v1/runs/"+runID+"/capture-sessions", nil)
	if cs["ordinal_number"] != float64(1) {
		t.Errorf("ordinal = %v, want 1", cs["ordinal_number"])
	}
	sessionID := cs["id"].(string)
	reg := api.mustCreate("/api/v1/sensors", map[string]any{"name": "thermo", "type": "thermocouple", "input_unit": "mV"})
	sensorID := reg["sensor"].(map[string]any)["id"].(string)
	token := reg["token"].(string)

	start := api.do(http.MethodPost, "/api/v1/capture-sessions/"+sessionID+"/transitions", "editor",
		map[string]any{"target": "running"}, map[string]string{"Idempotency-Key": "start-1"})
	if start.Code != http.StatusOK || decode(t, start)["to"] != "running" {
		t.Fatalf("start session = %d %s", start.Code, start.Body.String())
	}
	again := api.do(http.MethodPost, "/api/v1/capture-sessions/"+sessionID+"/transitions", "editor",
		map[string]any{"target": "running"}, map[string]string{"Idempotency-Key": "start-1"})
	if again.Code != http.StatusOK || again.Header().Get("Idempotent-Replayed") != "true" {
		t.Errorf("retried start = %d replayed=%q", again.Code, again.Header().Get("Idempotent-Replayed"))
	}

	ingest := func(wantOutcome string) {
		t.Helper()
		batch := map[string]any{
			"sensor_id":          sensorID,
			"capture_session_id": sessionID,
			"readings":           []map[string]any{{"timestamp": "2026-01-01T00:00:00Z", "raw_value": 1.5}},
		}
		rec := api.do(http.MethodPost, "/api/v1/telemetry", "", batch, map[string]string{"X-Sensor-Token": token})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("ingest = %d %s", rec.Code, rec.Body.String())
		}
		if got := decode(t, rec)["attachment_outcome"]; got != wantOutcome {
			t.Errorf("attachment_outcome = %v, want %s", got, wantOutcome)
		}
	}
	ingest("attached")

	stop := api.do(http.MethodPost, "/api/v1/capture-sessions/"+sessionID+"/transitions", "editor", map[string]any{"target": "succeeded"}, nil)
	if stop.Code != http.StatusOK {
		t.Fatalf("stop session = %d %s", stop.Code, stop.Body.String())
	}
	ingest("late")

	recs := api.do(http.MethodGet, "/api/v1/capture-sessions/"+sessionID+"/telemetry", "viewer", nil, nil)
	if recs.Code != http.StatusOK {
		t.Fatalf("list telemetry = %d %s", recs.Code, recs.Body.String())
	}
	if got := len(decode(t, recs)["records"].([]any)); got != 1 {
		t.Errorf("session records = %d, want 1 (late record is not linked)", got)
	}

	bad := api.do(http.MethodPost, "/api/v1/telemetry", "", map[string]any{"sensor_id": sensorID, "readings": []map[string]any{{"timestamp": "2026-01-01T00:00:00Z", "raw_value": 1}}},
		map[string]string{"X-Sensor-Token": "wrong"})
	if bad.Code != http.StatusUnauthorized {
		t.Errorf("bad sensor token = %d, want 401", bad.Code)
	}

	audits := api.do(http.MethodGet, "/api/v1/audit-events?entity_kind=capture_session&entity_id="+sessionID, "owner", nil, nil)
	if got := len(decode(t, audits)["events"].([]any)); got != 3 {
		t.Errorf("session audit events = %d, want 3 (create, start, stop): %s", got, audits.Body.String())
	}
}

func TestRouter_BatchAuthorizesPerItem(t *testing.T) {
	api := newTestAPI(t)
	exp := api.mustCreate("/api/v1/experiments", map[string]any{"name": "exp"})
	reg := api.mustCreate("/api/v1/sensors", map[string]any{"name": "s", "type": "t", "input_unit": "mV"})
	sensorID := reg["sensor"].(map[string]any)["id"].(string)

	rec := api.do(http.MethodPost, "/api/v1/transitions/batch", "editor", map[string]any{"transitions": []map[string]any{
		{"kind": "experiment", "id": exp["id"], "target": "running"},
		{"kind": "sensor", "id": sensorID, "target": "decommissioned"},
	}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch = %d %s", rec.Code, rec.Body.String())
	}
	results := decode(t, rec)["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	first, second := results[0].(map[string]any), results[1].(map[string]any)
	if first["error"] != nil || first["result"].(map[string]any)["to"] != "running" {
		t.Errorf("experiment item = %v", first)
	}
	if e, ok := second["error"].(map[string]any); !ok || e["kind"] != "forbidden" || second["index"] != float64(1) {
		t.Errorf("sensor item = %v, want forbidden at index 1", second)
	}

	viewer := api.do(http.MethodPost, "/api/v1/transitions/batch", "viewer", map[string]any{"transitions": []map[string]any{
		{"kind": "experiment", "id": exp["id"], "target": "completed"},
	}}, nil)
	if viewer.Code != http.StatusForbidden {
		t.Errorf("viewer batch = %d, want 403", viewer.Code)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)
	if rec := api.do(http.MethodGet, "/healthz", "", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := api.do(http.MethodGet, "/readyz", "", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d", rec.Code)
	}
	api.do(http.MethodGet, "/api/v1/experiments", "viewer", nil, nil)
	rec := api.do(http.MethodGet, "/metrics", "", nil, nil)
	if !strings.Contains(rec.Body.String(), `route="/api/v1/experiments"`) {
		t.Errorf("metrics missing route label:\n%s", rec.Body.String())
	}
	if rec.Header().Get(middleware.HeaderRequestID) == "" {
		t.Error("response has no request id")
	}
}

func TestRouter_SensorAndSessionMutationsAreIdempotent(t *testing.T) {
	api := newTestAPI(t)
	reg := api.mustCreate("/api/v1/sensors", map[string]any{"name": "s", "type": "t", "input_unit": "mV"})
	sensorID := reg["sensor"].(map[string]any)["id"].(string)

	rotatePath := "/api/v1/sensors/" + sensorID + "/rotate-token"
	key := map[string]string{"Idempotency-Key": "rot-1"}
	first := api.do(http.MethodPost, rotatePath, "owner", nil, key)
	second := api.do(http.MethodPost, rotatePath, "owner", nil, key)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("rotate = %d then %d: %s", first.Code, second.Code, second.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("retried rotate-token not marked as replayed")
	}
	token := decode(t, first)["token"]
	if got := decode(t, second)["token"]; got != token {
		t.Fatalf("retried rotate-token returned %v, want the first token %v", got, token)
	}
	ingest := api.do(http.MethodPost, "/api/v1/telemetry", "", map[string]any{
		"sensor_id": sensorID,
		"readings":  []map[string]any{{"timestamp": "2026-01-01T00:00:00Z", "raw_value": 1}},
	}, map[string]string{"X-Sensor-Token": token.(string)})
	if ingest.Code != http.StatusAccepted {
		t.Errorf("ingest with the replayed token = %d %s", ingest.Code, ingest.Body.String())
	}

	profile := api.mustCreate("/api/v1/sensors/"+sensorID+"/profiles", map[string]any{"version": "v1", "kind": "linear"})
	publishPath := "/api/v1/sensors/" + sensorID + "/profiles/" + profile["id"].(string) + "/publish"
	pubKey := map[string]string{"Idempotency-Key": "pub-1"}
	if rec := api.do(http.MethodPost, publishPath, "owner", nil, pubKey); rec.Code != http.StatusOK {
		t.Fatalf("publish = %d %s", rec.Code, rec.Body.String())
	}
	retry := api.do(http.MethodPost, publishPath, "owner", nil, pubKey)
	if retry.Code != http.StatusOK || retry.Header().Get("Idempotent-Replayed") != "true" {
		t.Errorf("retried publish = %d replayed=%q, want 200 replayed", retry.Code, retry.Header().Get("Idempotent-Replayed"))
	}
	if rec := api.do(http.MethodPost, publishPath, "owner", nil, nil); rec.Code != http.StatusConflict {
		t.Errorf("publish without a key = %d, want 409", rec.Code)
	}

	exp := api.mustCreate("/api/v1/experiments", map[string]any{"name": "exp"})
	run := api.mustCreate("/api/v1/experiments/"+exp["id"].(string)+"/runs", map[string]any{"name": "r"})
	cs := api.mustCreate("/api/v1/runs/"+run["id"].(string)+"/capture-sessions", nil)
	archivePath := "/api/v1/capture-sessions/" + cs["id"].(string) + "/archive"
	arcKey := map[string]string{"Idempotency-Key": "arc-1"}
	api.do(http.MethodPost, archivePath, "editor", map[string]any{"archived": true}, arcKey)
	again := api.do(http.MethodPost, archivePath, "editor", map[string]any{"archived": true}, arcKey)
	if again.Code != http.StatusOK || again.Header().Get("Idempotent-Replayed") != "true" {
		t.Errorf("retried archive = %d replayed=%q", again.Code, again.Header().Get("Idempotent-Replayed"))
	}
	if rec := api.do(http.MethodPost, archivePath, "editor", map[string]any{"archived": false}, arcKey); rec.Code != http.StatusConflict {
		t.Errorf("archive key reused with another body = %d, want 409", rec.Code)
	}
}

func TestRouter_RunMetrics(t *testing.T) {
	api := newTestAPI(t)
	exp := api.mustCreate("/api/v1/experiments", map[string]any{"name": "exp"})
	run := api.mustCreate("/api/v1/experiments/"+exp["id"].(string)+"/runs", map[string]any{"name": "run-1"})
	path := "/api/v1/runs/" + run["id"].(string) + "/metrics"
	body := map[string]any{"metrics": []map[string]any{
		{"name": "loss", "step": 2, "value": 0.4, "timestamp": "2026-01-01T00:00:02Z"},
		{"name": "loss", "step": 1, "value": 0.9, "timestamp": "2026-01-01T00:00:01Z"},
		{"name": "acc", "step": 1, "value": 0.6, "timestamp": "2026-01-01T00:00:01Z"},
	}}
	key := map[string]string{"Idempotency-Key": "metrics-1"}

	first := api.do(http.MethodPost, path, "editor", body, key)
	if first.Code != http.StatusAccepted || decode(t, first)["accepted"] != float64(3) {
		t.Fatalf("ingest = %d %s", first.Code, first.Body.String())
	}
	retry := api.do(http.MethodPost, path, "editor", body, key)
	if retry.Code != http.StatusAccepted || retry.Header().Get("Idempotent-Replayed") != "true" {
		t.Errorf("retried ingest = %d replayed=%q", retry.Code, retry.Header().Get("Idempotent-Replayed"))
	}
	if rec := api.do(http.MethodPost, path, "viewer", body, nil); rec.Code != http.StatusForbidden {
		t.Errorf("viewer ingest = %d, want 403", rec.Code)
	}

	rec := api.do(http.MethodGet, path+"?name=loss", "viewer", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("query = %d %s", rec.Code, rec.Body.String())
	}
	series := decode(t, rec)["series"].([]any)
	if len(series) != 1 {
		t.Fatalf("series = %v, want only loss", series)
	}
	points := series[0].(map[string]any)["points"].([]any)
	if len(points) != 2 || points[0].(map[string]any)["step"] != float64(1) {
		t.Errorf("loss points = %v, want 2 in step order without the replayed duplicate", points)
	}
	if rec := api.do(http.MethodGet, "/api/v1/runs/missing/metrics", "viewer", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run = %d, want 404", rec.Code)
	}
}

func TestRouter_WebhookDelivery(t *testing.T) {
	api := newTestAPI(t)
	got := make(chan http.Header, 4)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer target.Close()

	if rec := api.do(http.MethodPost, "/api/v1/webhooks", "viewer",
		map[string]any{"target_url": target.URL, "event_types": []string{"run.created"}}, nil); rec.Code != http.StatusForbidden {
		t.Errorf("viewer create webhook = %d, want 403", rec.Code)
	}
	sub := api.mustCreate("/api/v1/webhooks", map[string]any{
		"target_url": target.URL, "event_types": []string{"run.created"}, "secret": "s3cret",
	})
	if _, ok := sub["secret"]; ok {
		t.Error("webhook response exposes the secret")
	}
	list := decode(t, api.do(http.MethodGet, "/api/v1/webhooks", "viewer", nil, nil))
	if list["total"] != float64(1) {
		t.Errorf("webhooks total = %v, want 1", list["total"])
	}

	exp := api.mustCreate("/api/v1/experiments", map[string]any{"name": "exp"})
	api.mustCreate("/api/v1/experiments/"+exp["id"].(string)+"/runs", map[string]any{"name": "run-1"})

	disp := Dispatcher(api.repos, webhookservice.DispatcherConfig{Timeout: time.Second})
	deadline := time.Now().Add(2 * time.Second)
	delivered := 0
	for delivered == 0 && time.Now().Before(deadline) {
		n, err := disp.Run(context.Background())
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		delivered += n
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	hdr := <-got
	if hdr.Get(webhookservice.HeaderEvent) != "run.created" || hdr.Get(webhookservice.HeaderSignature) == "" {
		t.Errorf("delivery headers = %v, want signed run.created", hdr)
	}

	if rec := api.do(http.MethodDelete, "/api/v1/webhooks/"+sub["id"].(string), "editor", nil, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete webhook = %d, want 204", rec.Code)
	}
	if rec := api.do(http.MethodDelete, "/api/v1/webhooks/"+sub["id"].(string), "editor", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}
}
