package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"experiment-tracking/backend/internal/idempotency/domain"
	"experiment-tracking/backend/internal/idempotency/repository"
	"experiment-tracking/backend/internal/platform/apperr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testScope = domain.Scope{UserID: "u1", ProjectID: "p1"}

func newTestCoordinator(cfg Config) (*Coordinator, *repository.MemoryRepository) {
	repo := repository.NewMemoryRepository()
	return NewCoordinator(repo, cfg), repo
}

func okResponse(body string) domain.Response {
	return domain.Response{StatusCode: 201, ContentType: "application/json", Body: []byte(body)}
}

func TestCoordinator_ProceedThenReplay(t *testing.T) {
	c, _ := newTestCoordinator(Config{})
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (domain.Response, error) {
		calls++
		return okResponse(`{"id":"s1"}`), nil
	}

	first, replayed, err := c.Do(ctx, testScope, "k1", "fp", fn)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if replayed {
		t.Error("first call should not be a replay")
	}
	second, replayed, err := c.Do(ctx, testScope, "k1", "fp", fn)
	if err != nil {
		t.Fatalf("Do (retry): %v", err)
	}
	if !replayed {
		t.Error("second call should be a replay")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if string(second.Body) != string(first.Body) || second.StatusCode != first.StatusCode {
		t.Errorf("replayed response = %d %s, want %d %s", second.StatusCode, second.Body, first.StatusCode, first.Body)
	}
}

func TestCoordinator_ConflictOnDifferentFingerprint(t *testing.T) {
	c, _ := newTestCoordinator(Config{})
	ctx := context.Background()
	if _, _, err := c.Do(ctx, testScope, "k1", "fp-a", func(context.Context) (domain.Response, error) {
		return okResponse(`{}`), nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	d, err := c.Begin(ctx, testScope, "k1", "fp-b")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if d.Outcome != OutcomeConflict {
		t.Errorf("Outcome = %v, want conflict", d.Outcome)
	}
	_, _, err = c.Do(ctx, testScope, "k1", "fp-b", func(context.Context) (domain.Response, error) {
		t.Fatal("mutation must not run on conflict")
		return domain.Response{}, nil
	})
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestCoordinator_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	c, _ := newTestCoordinator(Config{WaitTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()
	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (domain.Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return okResponse(`{"id":"exp-1"}`), nil
	}

	const n = 16
	var wg sync.WaitGroup
	bodies := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := c.Do(ctx, testScope, "create-exp", "fp", fn)
			bodies[i] = string(resp.Body)
			errs[i] = err
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("mutation executed %d times, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("request %d: err = %v", i, errs[i])
		}
		if bodies[i] != `{"id":"exp-1"}` {
			t.Errorf("request %d: body = %q", i, bodies[i])
		}
	}
}

func TestCoordinator_DuplicateTimesOut(t *testing.T) {
	c, _ := newTestCoordinator(Config{WaitTimeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	ctx := context.Background()
	d, err := c.Begin(ctx, testScope, "k1", "fp")
	if err != nil || d.Outcome != OutcomeProceed {
		t.Fatalf("Begin = %v, %v; want proceed", d.Outcome, err)
	}
	_, err = c.Begin(ctx, testScope, "k1", "fp")
	if !apperr.IsKind(err, apperr.KindTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if err := c.Release(ctx, d.Reservation); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestCoordinator_WaiterWokenByComplete(t *testing.T) {
	c, _ := newTestCoordinator(Config{WaitTimeout: 5 * time.Second, PollInterval: time.Hour})
	ctx := context.Background()
	d, err := c.Begin(ctx, testScope, "k1", "fp")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	done := make(chan Decision, 1)
	go func() {
		dup, err := c.Begin(ctx, testScope, "k1", "fp")
		if err != nil {
			t.Errorf("duplicate Begin: %v", err)
		}
		done <- dup
	}()
	time.Sleep(10 * time.Millisecond)
	if err := c.Complete(ctx, d.Reservation, okResponse(`{"ok":true}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	select {
	case dup := <-done:
		if dup.Outcome != OutcomeReplay {
			t.Errorf("Outcome = %v, want replay", dup.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Complete")
	}
}

func TestCoordinator_ErrorReleasesReservation(t *testing.T) {
	c, repo := newTestCoordinator(Config{})
	ctx := context.Background()
	boom := errors.New("storage unavailable")
	_, _, err := c.Do(ctx, testScope, "k1", "fp", func(context.Context) (domain.Response, error) {
		return domain.Response{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	rec, _ := repo.Get(ctx, testScope.String(), "k1")
	if rec != nil {
		t.Fatalf("record = %+v, want released", rec)
	}
	d, err := c.Begin(ctx, testScope, "k1", "fp")
	if err != nil || d.Outcome != OutcomeProceed {
		t.Fatalf("retry Begin = %v, %v; want proceed", d.Outcome, err)
	}
	_ = c.Release(ctx, d.Reservation)
}

func TestCoordinator_CancelledCallerReleases(t *testing.T) {
	c, repo := newTestCoordinator(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := c.Do(ctx, testScope, "k1", "fp", func(context.Context) (domain.Response, error) {
		cancel()
		return okResponse(`{}`), nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rec, _ := repo.Get(context.Background(), testScope.String(), "k1"); rec != nil {
		t.Errorf("record = %+v, want released", rec)
	}
}

func TestCoordinator_ServerErrorNotRecorded(t *testing.T) {
	c, repo := newTestCoordinator(Config{})
	ctx := context.Background()
	resp, _, err := c.Do(ctx, testScope, "k1", "fp", func(context.Context) (domain.Response, error) {
		return domain.Response{StatusCode: 503, Body: []byte(`{"error":"unavailable"}`)}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want 503", resp.StatusCode)
	}
	if rec, _ := repo.Get(ctx, testScope.String(), "k1"); rec != nil {
		t.Errorf("5xx outcome should not be stored, got %+v", rec)
	}
}

func TestCoordinator_ClientErrorIsReplayed(t *testing.T) {
	c, _ := newTestCoordinator(Config{})
	ctx := context.Background()
	calls := 0
	fn := func(context.Context) (domain.Response, error) {
		calls++
		return domain.Response{StatusCode: 409, Body: []byte(`{"error":"conflict"}`)}, nil
	}
	_, _, _ = c.Do(ctx, testScope, "k1", "fp", fn)
	resp, replayed, err := c.Do(ctx, testScope, "k1", "fp", fn)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !replayed || resp.StatusCode != 409 || calls != 1 {
		t.Errorf("replayed=%v status=%d calls=%d, want true 409 1", replayed, resp.StatusCode, calls)
	}
}

func TestCoordinator_ExpiredRecordIsSuperseded(t *testing.T) {
	c, _ := newTestCoordinator(Config{TTL: time.Hour})
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.nowF = func() time.Time { return now }
	if _, _, err := c.Do(ctx, testScope, "k1", "fp-a", func(context.Context) (domain.Response, error) {
		return okResponse(`{"v":1}`), nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	now = now.Add(2 * time.Hour)
	d, err := c.Begin(ctx, testScope, "k1", "fp-b")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if d.Outcome != OutcomeProceed {
		t.Errorf("Outcome = %v, want proceed after expiry", d.Outcome)
	}
	_ = c.Release(ctx, d.Reservation)
}

func TestCoordinator_AbandonedLeaseIsTakenOver(t *testing.T) {
	c, _ := newTestCoordinator(Config{Lease: time.Second})
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.nowF = func() time.Time { return now }
	first, err := c.Begin(ctx, testScope, "k1", "fp")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	now = now.Add(2 * time.Second)
	second, err := c.Begin(ctx, testScope, "k1", "fp")
	if err != nil {
		t.Fatalf("Begin after lease: %v", err)
	}
	if second.Outcome != OutcomeProceed {
		t.Fatalf("Outcome = %v, want proceed", second.Outcome)
	}
	if err := c.Complete(ctx, first.Reservation, okResponse(`{"stale":true}`)); err != nil {
		t.Fatalf("stale Complete: %v", err)
	}
	if err := c.Complete(ctx, second.Reservation, okResponse(`{"stale":false}`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	d, _ := c.Begin(ctx, testScope, "k1", "fp")
	if d.Outcome != OutcomeReplay || string(d.Response.Body) != `{"stale":false}` {
		t.Errorf("replay = %v %s, want the new holder's outcome", d.Outcome, d.Response.Body)
	}
}

func TestCoordinator_KeysAreScopedPerProject(t *testing.T) {
	c, _ := newTestCoordinator(Config{})
	ctx := context.Background()
	a, err := c.Begin(ctx, domain.Scope{UserID: "u1", ProjectID: "p1"}, "same", "fp")
	if err != nil {
		t.Fatalf("Begin p1: %v", err)
	}
	b, err := c.Begin(ctx, domain.Scope{UserID: "u1", ProjectID: "p2"}, "same", "fp-other")
	if err != nil {
		t.Fatalf("Begin p2: %v", err)
	}
	if a.Outcome != OutcomeProceed || b.Outcome != OutcomeProceed {
		t.Errorf("outcomes = %v, %v; want proceed for both", a.Outcome, b.Outcome)
	}
	_ = c.Release(ctx, a.Reservation)
	_ = c.Release(ctx, b.Reservation)
}

func TestCoordinator_RejectsBadKey(t *testing.T) {
	c, _ := newTestCoordinator(Config{})
	_, err := c.Begin(context.Background(), testScope, "", "fp")
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestCoordinator_Sweep(t *testing.T) {
	c, repo := newTestCoordinator(Config{TTL: time.Minute})
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.nowF = func() time.Time { return now }
	_, _, _ = c.Do(ctx, testScope, "k1", "fp", func(context.Context) (domain.Response, error) {
		return okResponse(`{}`), nil
	})
	now = now.Add(time.Hour)
	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if rec, _ := repo.Get(ctx, testScope.String(), "k1"); rec != nil {
		t.Error("record should be gone after sweep")
	}
}

func TestFingerprint_CanonicalBody(t *testing.T) {
	a := Fingerprint("post", "/api/v1/experiments", []byte(`{"name":"x","tags":["a"]}`))
	b := Fingerprint("POST", "/api/v1/experiments", []byte("{ \"tags\": [\"a\"],\n \"name\": \"x\" }"))
	if a != b {
		t.Errorf("fingerprints differ for equivalent bodies: %s vs %s", a, b)
	}
	c := Fingerprint("POST", "/api/v1/experiments", []byte(`{"name":"y","tags":["a"]}`))
	if a == c {
		t.Error("fingerprints should differ for different bodies")
	}
	d := Fingerprint("POST", "/api/v1/runs", []byte(`{"name":"x","tags":["a"]}`))
	if a == d {
		t.Error("fingerprints should differ for different paths")
	}
}
