package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/goleak"

	"experiment-tracking/backend/internal/audit"
	auditrepo "experiment-tracking/backend/internal/audit/repository"
	capturedomain "experiment-tracking/backend/internal/capturesession/domain"
	"experiment-tracking/backend/internal/events"
	"experiment-tracking/backend/internal/lifecycle"
	"experiment-tracking/backend/internal/statemachine"
	"experiment-tracking/backend/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStaleSessions_FailsThroughLifecycle(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	audits := auditrepo.NewMemoryRepository()
	svc := lifecycle.NewService(map[statemachine.Kind]lifecycle.StatusStore{
		statemachine.KindCaptureSession: st.CaptureSessions(),
	}, nil, audit.NewLogger(audits), events.Noop{})

	now := time.Now().UTC()
	old, recent := now.Add(-48*time.Hour), now.Add(-time.Hour)
	seed := []*capturedomain.CaptureSession{
		{ID: "stale", RunID: "r1", ProjectID: "p1", Status: statemachine.StatusRunning, StartedAt: &old, CreatedAt: old, UpdatedAt: old},
		{ID: "fresh", RunID: "r2", ProjectID: "p1", Status: statemachine.StatusRunning, StartedAt: &recent, CreatedAt: recent, UpdatedAt: recent},
		{ID: "done", RunID: "r3", ProjectID: "p2", Status: statemachine.StatusSucceeded, StartedAt: &old, CreatedAt: old, UpdatedAt: old},
	}
	for _, cs := range seed {
		if err := st.CaptureSessions().Create(ctx, cs); err != nil {
			t.Fatal(err)
		}
	}

	job := NewStaleSessions(st.CaptureSessions(), svc, 24*time.Hour)
	n, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("failed = %d, want 1", n)
	}
	for id, want := range map[string]statemachine.Status{
		"stale": statemachine.StatusFailed,
		"fresh": statemachine.StatusRunning,
	} {
		cs, _ := st.CaptureSessions().GetByID(ctx, "p1", id)
		if cs.Status != want {
			t.Errorf("%s status = %s, want %s", id, cs.Status, want)
		}
	}
	evs, _ := audits.List(ctx, "p1", auditrepo.Filter{EntityID: "stale"})
	if len(evs) != 1 || evs[0].ActorID != audit.SystemActor {
		t.Errorf("audit = %+v, want one entry by %s", evs, audit.SystemActor)
	}

	if n, err := job.Run(ctx); err != nil || n != 0 {
		t.Errorf("second run = %d, %v; want 0, nil", n, err)
	}
}

type fakeSweeper struct{ n int64 }

func (f fakeSweeper) Sweep(context.Context) (int64, error) { return f.n, nil }

type countingJob struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs++
	return 1, j.err
}

func TestRunPeriodic_RunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	failing := &countingJob{err: errors.New("boom")}
	ok := &countingJob{}
	done := make(chan struct{})
	go func() {
		RunPeriodic(ctx, 10*time.Millisecond, failing, ok)
		close(done)
	}()
	time.Sleep(35 * time.Millisecond)
	cancel()
	<-done
	ok.mu.Lock()
	defer ok.mu.Unlock()
	if ok.runs < 2 {
		t.Errorf("runs = %d, want at least 2", ok.runs)
	}
	if failing.runs != ok.runs {
		t.Errorf("failing job runs = %d, want %d (errors do not stop the loop)", failing.runs, ok.runs)
	}
}

func TestIdempotencySweep(t *testing.T) {
	n, err := NewIdempotencySweep(fakeSweeper{n: 7}).Run(context.Background())
	if err != nil || n != 7 {
		t.Errorf("Run = %d, %v; want 7, nil", n, err)
	}
}

type fakeReader struct {
	msgs []kafka.Message
	errs int
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if r.errs > 0 {
		r.errs--
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []string
	done   chan struct{}
	want   int
}

func (p *fakePusher) PushEventJSON(_ context.Context, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, string(raw))
	if len(p.pushed) == p.want {
		close(p.done)
	}
	if string(raw) == `{"bad":true}` {
		return errors.New("loki rejected")
	}
	return nil
}

func TestArchiver_PushesEveryMessage(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Value: []byte(`{"type":"run.started"}`)},
		{Value: []byte(`{"bad":true}`)},
		{Value: []byte(`{"type":"run.completed"}`)},
	}}
	pusher := &fakePusher{done: make(chan struct{}), want: 3}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- NewArchiver(reader, pusher).Run(ctx) }()

	select {
	case <-pusher.done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not pushed")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	if pusher.pushed[0] != `{"type":"run.started"}` || pusher.pushed[2] != `{"type":"run.completed"}` {
		t.Errorf("pushed = %v", pusher.pushed)
	}
}
