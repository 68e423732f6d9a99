package export

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	capturedomain "experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/platform/apperr"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/store/memory"
	telemetrydomain "experiment-tracking/backend/internal/telemetry/domain"
	"experiment-tracking/backend/internal/telemetry/repository"
)

func seedSession(t *testing.T, st *memory.Store) *capturedomain.CaptureSession {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cs := &capturedomain.CaptureSession{
		ID: "cs-1", RunID: "run-1", ProjectID: "proj-1", Status: statemachine.StatusRunning,
		InitiatedBy: "u1", StartedAt: &now, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.CaptureSessions().Create(context.Background(), cs); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return cs
}

func seedRecords(t *testing.T, st *memory.Store, sessionID string, n int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
	err := st.Telemetry().WithinIngestScope(context.Background(), "proj-1", func(scope repository.IngestScope) error {
		recs := make([]*telemetrydomain.Record, n)
		for i := range recs {
			sid := sessionID
			recs[i] = &telemetrydomain.Record{
				ProjectID: "proj-1", SensorID: "sensor-1", CaptureSessionID: &sid,
				Timestamp: base.Add(time.Duration(i) * time.Second), RawValue: float64(i) + 0.5,
				ConversionStatus: telemetrydomain.ConversionRawOnly, AttachmentOutcome: telemetrydomain.OutcomeAttached,
				Meta: map[string]any{"i": i}, IngestedAt: base,
			}
		}
		return scope.InsertRecords(context.Background(), recs)
	})
	if err != nil {
		t.Fatalf("seed records: %v", err)
	}
}

func TestExport_WritesCSVToFilesystem(t *testing.T) {
	st := memory.New()
	cs := seedSession(t, st)
	seedRecords(t, st, cs.ID, 3)
	seedRecords(t, st, "cs-other", 2)

	blobs, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	e := NewExporter(st.CaptureSessions(), st.Telemetry(), blobs, nil)
	res, err := e.Export(context.Background(), "proj-1", cs.ID, "u1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Records != 3 {
		t.Errorf("Records = %d, want 3", res.Records)
	}
	if !strings.HasPrefix(res.Key, "exports/proj-1/runs/run-1/capture-sessions/") || !strings.HasSuffix(res.Key, ".csv") {
		t.Errorf("Key = %q", res.Key)
	}

	f, err := os.Open(res.Location)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(Header, ",") {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][3] != "0.5" || rows[1][6] != "attached" || rows[1][8] != `{"i":0}` {
		t.Errorf("first row = %v", rows[1])
	}
}

func TestExport_EmptySessionHasHeaderOnly(t *testing.T) {
	st := memory.New()
	cs := seedSession(t, st)
	blobs, _ := NewFSStore(t.TempDir())

	res, err := NewExporter(st.CaptureSessions(), st.Telemetry(), blobs, nil).Export(context.Background(), "proj-1", cs.ID, "u1")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.Records != 0 || res.Bytes == 0 {
		t.Errorf("result = %+v, want header-only file", res)
	}
}

func TestExport_NotFound(t *testing.T) {
	st := memory.New()
	blobs, _ := NewFSStore(t.TempDir())
	_, err := NewExporter(st.CaptureSessions(), st.Telemetry(), blobs, nil).Export(context.Background(), "proj-1", "missing", "u1")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

type fakeS3 struct {
	in   *s3.PutObjectInput
	body string
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Store_Put(t *testing.T) {
	fake := &fakeS3{}
	store := &S3Store{client: fake, bucket: "exports-bucket"}

	if err := store.Put(context.Background(), "a/b.csv", strings.NewReader("x,y\n"), 4, "text/csv"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if *fake.in.Bucket != "exports-bucket" || *fake.in.Key != "a/b.csv" || *fake.in.ContentType != "text/csv" || *fake.in.ContentLength != 4 {
		t.Errorf("input = %+v", fake.in)
	}
	if fake.body != "x,y\n" {
		t.Errorf("body = %q", fake.body)
	}
	if got := store.Location("a/b.csv"); got != "s3://exports-bucket/a/b.csv" {
		t.Errorf("Location = %q", got)
	}

	fake.err = errors.New("access denied")
	if err := store.Put(context.Background(), "a/b.csv", strings.NewReader(""), 0, ""); err == nil {
		t.Error("Put should surface the S3 error")
	}
}

func TestFSStore_RejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	store, _ := NewFSStore(root)
	for _, key := range []string{"", "/etc/passwd", "../x.csv", "a/../../x.csv"} {
		if err := store.Put(context.Background(), key, strings.NewReader("x"), 1, ""); err == nil {
			t.Errorf("Put(%q) should fail", key)
		}
	}
	if err := store.Put(context.Background(), "ok/x.csv", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "ok", "x.csv")); err != nil {
		t.Errorf("file missing: %v", err)
	}
}
