// Package queue runs channel sends in the background with bounded
// concurrency per job type and exponential-backoff retries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"distributor/internal/domain"

	"github.com/google/uuid"
)

// Handler performs one attempt of a job.
type Handler func(ctx context.Context, job domain.Job) (*domain.ChannelResult, error)

// Listener receives the outcome of every attempt. OnFailed is called with
// permanent=false when a retry has been scheduled and permanent=true once
// the job has used its last attempt.
type Listener interface {
	OnCompleted(ctx context.Context, job domain.Job, result *domain.ChannelResult)
	OnFailed(ctx context.Context, job domain.Job, err error, permanent bool)
}

// Observer receives per-attempt timings. Outcome is "completed", "retry" or
// "failed".
type Observer interface {
	ObserveJob(jobType, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveJob(string, string, time.Duration) {}

// ErrStopped is returned by Add after Stop.
var ErrStopped = errors.New("queue stopped")

// Config configures a Queue.
type Config struct {
	Backend       Backend
	Listener      Listener
	Observer      Observer
	MaxRetries    int // total attempts per job
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	KeepCompleted int
	KeepFailed    int
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Queue dispatches jobs to registered handlers.
type Queue struct {
	backend  Backend
	listener Listener
	observer Observer
	cfg      Config
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]registration
	wake     map[string]chan struct{}

	paused  atomic.Bool
	active  atomic.Int64
	started bool
	stopped atomic.Bool
	stopCh  chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type registration struct {
	handler     Handler
	concurrency int
}

// AddResult is the per-item outcome of AddBulk.
type AddResult struct {
	Index int    `json:"index"`
	JobID string `json:"jobId,omitempty"`
	Error string `json:"error,omitempty"`
}

// Stats is a snapshot of queue state.
type Stats struct {
	Counts
	Active int64 `json:"active"`
	Paused bool  `json:"paused"`
}

func New(cfg Config) (*Queue, error) {
	if cfg.Listener == nil {
		return nil, errors.New("queue: listener is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backend == nil {
		cfg.Backend = NewMemoryBackend()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Queue{
		backend:  cfg.Backend,
		listener: cfg.Listener,
		observer: cfg.Observer,
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string]registration),
		wake:     make(map[string]chan struct{}),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register binds a handler to a job type. It must be called before Start.
func (q *Queue) Register(jobType string, h Handler, concurrency int) {
	if concurrency <= 0 {
		concurrency = 5
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = registration{handler: h, concurrency: concurrency}
	q.wake[jobType] = make(chan struct{}, 1)
}

// Add enqueues a job and returns it with its id and defaults filled in.
func (q *Queue) Add(ctx context.Context, job domain.Job) (domain.Job, error) {
	if q.stopped.Load() {
		return job, ErrStopped
	}
	if job.Type == "" {
		return job, &domain.ValidationError{Field: "type", Message: "job type is required"}
	}
	q.mu.RLock()
	_, ok := q.handlers[job.Type]
	wake := q.wake[job.Type]
	q.mu.RUnlock()
	if !ok {
		return job, &domain.ValidationError{Field: "type", Message: "no handler for job type " + job.Type}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxRetries <= 0 {
		job.MaxRetries = q.cfg.MaxRetries
	}
	job.Attempts = 0
	job.EnqueuedAt = time.Now().UTC()

	if err := q.backend.Push(ctx, job); err != nil {
		return job, err
	}
	select {
	case wake <- struct{}{}:
	default:
	}
	q.logger.Debug("job queued", "job", job.ID, "type", job.Type, "assignment", job.AssignmentID)
	return job, nil
}

// AddBulk enqueues jobs independently; one failure does not affect the others.
func (q *Queue) AddBulk(ctx context.Context, jobs []domain.Job) []AddResult {
	out := make([]AddResult, len(jobs))
	for i, job := range jobs {
		out[i].Index = i
		added, err := q.Add(ctx, job)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].JobID = added.ID
	}
	return out
}

// Start re-queues jobs abandoned by a previous run and launches the workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue: already started")
	}
	q.started = true
	q.runCtx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	regs := make(map[string]registration, len(q.handlers))
	for t, r := range q.handlers {
		regs[t] = r
	}
	q.mu.Unlock()

	if n, err := q.backend.Recover(ctx); err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	} else if n > 0 {
		q.logger.Info("re-queued in-flight jobs from previous run", "count", n)
	}

	for jobType, reg := range regs {
		for i := 0; i < reg.concurrency; i++ {
			q.wg.Add(1)
			go q.worker(jobType, reg.handler, i)
		}
	}
	q.wg.Add(1)
	go q.promoter()

	q.logger.Info("queue started", "types", len(regs), "max_retries", q.cfg.MaxRetries)
	return nil
}

// Stop stops taking new work and waits for in-flight attempts. When ctx
// expires first, in-flight handlers see their context canceled.
func (q *Queue) Stop(ctx context.Context) error {
	if !q.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-done
		return ctx.Err()
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.logger.Info("queue stopped")
	return nil
}

// Pause stops workers from starting new jobs. In-flight jobs finish.
func (q *Queue) Pause() {
	if q.paused.CompareAndSwap(false, true) {
		q.logger.Info("queue paused")
	}
}

func (q *Queue) Resume() {
	if !q.paused.CompareAndSwap(true, false) {
		return
	}
	q.logger.Info("queue resumed")
	q.wakeAll()
}

func (q *Queue) Paused() bool { return q.paused.Load() }

// Clear purges completed and failed history. Waiting, delayed and in-flight
// jobs are left alone.
func (q *Queue) Clear(ctx context.Context) error {
	return q.backend.ClearHistory(ctx)
}

func (q *Queue) History(ctx context.Context, state domain.JobState, limit int) ([]domain.JobRecord, error) {
	return q.backend.History(ctx, state, limit)
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	c, err := q.backend.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Counts: c, Active: q.active.Load(), Paused: q.paused.Load()}, nil
}

func (q *Queue) Ping(ctx context.Context) error { return q.backend.Ping(ctx) }

func (q *Queue) worker(jobType string, h Handler, idx int) {
	defer q.wg.Done()
	q.mu.RLock()
	wake := q.wake[jobType]
	q.mu.RUnlock()

	timer := time.NewTimer(q.cfg.PollInterval)
	defer timer.Stop()

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-q.stopCh:
			return
		default:
		}

		if !q.paused.Load() {
			job, err := q.backend.Pop(q.runCtx, jobType)
			if err != nil {
				q.logger.Warn("queue pop failed", "type", jobType, "worker", idx, "err", err)
			} else if job != nil {
				q.execOne(h, *job)
				continue
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.cfg.PollInterval)
		select {
		case <-q.stopCh:
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

func (q *Queue) promoter() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			n, err := q.backend.PromoteDue(q.runCtx, now)
			if err != nil {
				q.logger.Warn("promote delayed jobs failed", "err", err)
				continue
			}
			if n > 0 {
				q.wakeAll()
			}
		}
	}
}

func (q *Queue) wakeAll() {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, ch := range q.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) execOne(h Handler, job domain.Job) {
	ctx := q.runCtx
	job.Attempts++
	q.active.Add(1)
	start := time.Now()
	result, err := q.call(ctx, h, job)
	elapsed := time.Since(start)
	q.active.Add(-1)

	if err == nil {
		q.observer.ObserveJob(job.Type, "completed", elapsed)
		if ackErr := q.backend.Ack(ctx, job); ackErr != nil {
			q.logger.Error("ack job failed", "job", job.ID, "err", ackErr)
		}
		q.record(ctx, domain.JobRecord{Job: job, State: domain.JobCompleted, Result: result, FinishedAt: time.Now().UTC()})
		q.logger.Debug("job completed", "job", job.ID, "type", job.Type, "attempts", job.Attempts, "dur", elapsed)
		q.listener.OnCompleted(ctx, job, result)
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxRetries {
		delay := backoffDelay(q.cfg.BaseDelay, q.cfg.MaxDelay, job.Attempts)
		q.observer.ObserveJob(job.Type, "retry", elapsed)
		if schedErr := q.backend.Schedule(ctx, job, time.Now().Add(delay)); schedErr != nil {
			q.logger.Error("schedule retry failed", "job", job.ID, "err", schedErr)
		}
		q.logger.Warn("job attempt failed, retry scheduled",
			"job", job.ID, "type", job.Type, "attempt", job.Attempts, "delay", delay, "err", err)
		q.listener.OnFailed(ctx, job, err, false)
		return
	}

	q.observer.ObserveJob(job.Type, "failed", elapsed)
	if ackErr := q.backend.Ack(ctx, job); ackErr != nil {
		q.logger.Error("ack job failed", "job", job.ID, "err", ackErr)
	}
	q.record(ctx, domain.JobRecord{Job: job, State: domain.JobFailed, Result: result, Error: err.Error(), FinishedAt: time.Now().UTC()})
	q.logger.Error("job failed permanently", "job", job.ID, "type", job.Type, "attempts", job.Attempts, "err", err)
	q.listener.OnFailed(ctx, job, err, true)
}

// call runs the handler, turning a panic into an attempt failure.
func (q *Queue) call(ctx context.Context, h Handler, job domain.Job) (res *domain.ChannelResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (q *Queue) record(ctx context.Context, rec domain.JobRecord) {
	keep := q.cfg.KeepCompleted
	if rec.State == domain.JobFailed {
		keep = q.cfg.KeepFailed
	}
	if err := q.backend.Record(ctx, rec, keep); err != nil {
		q.logger.Warn("record job history failed", "job", rec.Job.ID, "err", err)
	}
}

// backoffDelay returns base·2^(attempt−1), capped at maxDelay.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
