package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"distributor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type failure struct {
	job       domain.Job
	err       error
	permanent bool
}

type recordingListener struct {
	mu        sync.Mutex
	completed []domain.Job
	failures  []failure
}

func (l *recordingListener) OnCompleted(_ context.Context, job domain.Job, _ *domain.ChannelResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, job)
}

func (l *recordingListener) OnFailed(_ context.Context, job domain.Job, err error, permanent bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, failure{job: job, err: err, permanent: permanent})
}

func (l *recordingListener) snapshot() ([]domain.Job, []failure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Job(nil), l.completed...), append([]failure(nil), l.failures...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestQueue(t *testing.T, backend Backend, l Listener, mutate func(*Config)) *Queue {
	t.Helper()
	cfg := Config{
		Backend:      backend,
		Listener:     l,
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Logger:       testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func TestNew_RequiresListener(t *testing.T) {
	if _, err := New(Config{Logger: testLogger()}); err == nil {
		t.Fatal("expected error without listener")
	}
}

func TestQueue_MaxRetriesIsTotalAttempts(t *testing.T) {
	l := &recordingListener{}
	q := newTestQueue(t, NewMemoryBackend(), l, nil)

	var calls atomic.Int32
	q.Register("send-email", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		calls.Add(1)
		return &domain.ChannelResult{Error: "smtp down"}, errors.New("smtp down")
	}, 1)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Add(context.Background(), domain.Job{Type: "send-email", AssignmentID: "a1"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "permanent failure", func() bool {
		_, f := l.snapshot()
		return len(f) > 0 && f[len(f)-1].permanent
	})
	time.Sleep(30 * time.Millisecond)

	if n := calls.Load(); n != 3 {
		t.Errorf("handler called %d times, want exactly 3", n)
	}
	_, failures := l.snapshot()
	if len(failures) != 3 {
		t.Fatalf("OnFailed called %d times, want 3", len(failures))
	}
	for i, f := range failures {
		wantPermanent := i == 2
		if f.permanent != wantPermanent || f.job.Attempts != i+1 {
			t.Errorf("failure %d: permanent=%v attempts=%d", i, f.permanent, f.job.Attempts)
		}
	}
	hist, err := q.History(context.Background(), domain.JobFailed, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Job.Attempts != 3 || hist[0].Error != "smtp down" {
		t.Errorf("failed history = %+v", hist)
	}
}

func TestQueue_SucceedsAfterRetry(t *testing.T) {
	l := &recordingListener{}
	q := newTestQueue(t, NewMemoryBackend(), l, nil)

	var calls atomic.Int32
	q.Register("send-sms", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return &domain.ChannelResult{Success: true, ProviderName: "twilio", ProviderMessageID: "SM1"}, nil
	}, 2)
	q.Start(context.Background())
	q.Add(context.Background(), domain.Job{Type: "send-sms"})

	waitFor(t, "completion", func() bool {
		c, _ := l.snapshot()
		return len(c) == 1
	})
	completed, failures := l.snapshot()
	if completed[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", completed[0].Attempts)
	}
	if len(failures) != 1 || failures[0].permanent {
		t.Errorf("failures = %+v, want one transient", failures)
	}
}

func TestQueue_HandlerPanicCountsAsFailure(t *testing.T) {
	l := &recordingListener{}
	q := newTestQueue(t, NewMemoryBackend(), l, func(c *Config) { c.MaxRetries = 1 })
	q.Register("send-edi", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		panic("boom")
	}, 1)
	q.Start(context.Background())
	q.Add(context.Background(), domain.Job{Type: "send-edi"})

	waitFor(t, "permanent failure", func() bool {
		_, f := l.snapshot()
		return len(f) == 1
	})
	_, f := l.snapshot()
	if !f[0].permanent {
		t.Error("expected permanent failure with one allowed attempt")
	}
}

func TestQueue_PauseResume(t *testing.T) {
	l := &recordingListener{}
	q := newTestQueue(t, NewMemoryBackend(), l, nil)
	var calls atomic.Int32
	q.Register("send-chat", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		calls.Add(1)
		return &domain.ChannelResult{Success: true}, nil
	}, 2)
	q.Pause()
	q.Start(context.Background())
	q.Add(context.Background(), domain.Job{Type: "send-chat"})

	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("paused queue ran %d jobs", n)
	}
	stats, _ := q.Stats(context.Background())
	if !stats.Paused || stats.Waiting != 1 {
		t.Errorf("stats while paused = %+v", stats)
	}

	q.Resume()
	waitFor(t, "job after resume", func() bool { return calls.Load() == 1 })
}

func TestQueue_PauseLetsInFlightJobFinish(t *testing.T) {
	l := &recordingListener{}
	q := newTestQueue(t, NewMemoryBackend(), l, nil)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	q.Register("send-chat", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-release
		}
		return &domain.ChannelResult{Success: true}, nil
	}, 1)
	ctx := context.Background()
	q.Start(ctx)
	first, _ := q.Add(ctx, domain.Job{Type: "send-chat"})
	<-started

	q.Pause()
	q.Add(ctx, domain.Job{Type: "send-chat"})
	if stats, _ := q.Stats(ctx); stats.Active != 1 {
		t.Errorf("active while in flight = %d, want 1", stats.Active)
	}
	close(release)

	waitFor(t, "in-flight job completion", func() bool {
		c, _ := l.snapshot()
		return len(c) == 1
	})
	if c, _ := l.snapshot(); c[0].ID != first.ID {
		t.Errorf("completed %s, want the in-flight job %s", c[0].ID, first.ID)
	}
	waitFor(t, "no active jobs", func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Active == 0
	})

	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("paused queue started %d jobs, want 1", n)
	}
	if stats, _ := q.Stats(ctx); !stats.Paused || stats.Waiting != 1 {
		t.Errorf("stats while paused = %+v", stats)
	}

	q.Resume()
	waitFor(t, "job after resume", func() bool {
		c, _ := l.snapshot()
		return len(c) == 2
	})
}

func TestNew_DefaultsLogger(t *testing.T) {
	l := &recordingListener{}
	q, err := New(Config{Listener: l, BaseDelay: time.Millisecond, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	q.Register("send-email", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		return &domain.ChannelResult{Success: true}, nil
	}, 1)
	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer q.Stop(ctx)
	if _, err := q.Add(ctx, domain.Job{Type: "send-email"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "completion", func() bool {
		c, _ := l.snapshot()
		return len(c) == 1
	})
}

func TestQueue_AddBulkIsolatesFailures(t *testing.T) {
	q := newTestQueue(t, NewMemoryBackend(), &recordingListener{}, nil)
	q.Register("send-email", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		return &domain.ChannelResult{Success: true}, nil
	}, 1)

	res := q.AddBulk(context.Background(), []domain.Job{
		{Type: "send-email"},
		{Type: "send-fax"},
		{Type: ""},
		{Type: "send-email"},
	})
	if len(res) != 4 {
		t.Fatalf("results = %d", len(res))
	}
	if res[0].JobID == "" || res[3].JobID == "" || res[0].Error != "" {
		t.Errorf("valid jobs not queued: %+v", res)
	}
	if res[1].Error == "" || res[2].Error == "" {
		t.Errorf("invalid jobs accepted: %+v", res)
	}
	stats, _ := q.Stats(context.Background())
	if stats.Waiting != 2 {
		t.Errorf("waiting = %d, want 2", stats.Waiting)
	}
}

func TestQueue_RetentionAndClear(t *testing.T) {
	l := &recordingListener{}
	q := newTestQueue(t, NewMemoryBackend(), l, func(c *Config) { c.KeepCompleted = 2 })
	q.Register("send-email", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		return &domain.ChannelResult{Success: true}, nil
	}, 1)
	q.Start(context.Background())
	for i := 0; i < 5; i++ {
		q.Add(context.Background(), domain.Job{Type: "send-email"})
	}
	waitFor(t, "all completed", func() bool {
		c, _ := l.snapshot()
		return len(c) == 5
	})

	hist, _ := q.History(context.Background(), domain.JobCompleted, 0)
	if len(hist) != 2 {
		t.Errorf("completed history = %d, want 2", len(hist))
	}

	q.Pause()
	q.Add(context.Background(), domain.Job{Type: "send-email"})
	if err := q.Clear(context.Background()); err != nil {
		t.Fatal(err)
	}
	stats, _ := q.Stats(context.Background())
	if stats.Completed != 0 || stats.Waiting != 1 {
		t.Errorf("after clear: %+v, want history purged and job still waiting", stats)
	}
}

func TestQueue_AddAfterStop(t *testing.T) {
	q := newTestQueue(t, NewMemoryBackend(), &recordingListener{}, nil)
	q.Register("send-email", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		return nil, nil
	}, 1)
	q.Start(context.Background())
	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Add(context.Background(), domain.Job{Type: "send-email"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Add after Stop = %v", err)
	}
}

func TestQueue_StopWaitsForInFlight(t *testing.T) {
	l := &recordingListener{}
	q := newTestQueue(t, NewMemoryBackend(), l, nil)
	started := make(chan struct{})
	q.Register("send-postal", func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return &domain.ChannelResult{Success: true}, nil
	}, 1)
	q.Start(context.Background())
	q.Add(context.Background(), domain.Job{Type: "send-postal"})
	<-started

	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c, _ := l.snapshot(); len(c) != 1 {
		t.Errorf("in-flight job did not finish before Stop returned")
	}
}

func TestBackoffDelay(t *testing.T) {
	base, maxDelay := 2*time.Second, 10*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(base, maxDelay, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMemoryBackend_DelayedAndRecover(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	now := time.Now()

	b.Push(ctx, domain.Job{ID: "1", Type: "t"})
	b.Push(ctx, domain.Job{ID: "2", Type: "t"})
	j, _ := b.Pop(ctx, "t")
	if j == nil || j.ID != "1" {
		t.Fatalf("pop = %+v, want FIFO", j)
	}
	b.Schedule(ctx, *j, now.Add(time.Minute))
	if n, _ := b.PromoteDue(ctx, now); n != 0 {
		t.Errorf("promoted %d before due", n)
	}
	if n, _ := b.PromoteDue(ctx, now.Add(2*time.Minute)); n != 1 {
		t.Errorf("promoted %d, want 1", n)
	}

	j2, _ := b.Pop(ctx, "t")
	if n, _ := b.Recover(ctx); n != 1 {
		t.Errorf("recovered %d, want 1", n)
	}
	next, _ := b.Pop(ctx, "t")
	if next == nil || next.ID != j2.ID {
		t.Errorf("recovered job should run next, got %+v", next)
	}
}
