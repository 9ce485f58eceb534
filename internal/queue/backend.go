package queue

import (
	"context"
	"time"

	"distributor/internal/domain"
)

// Backend stores queued jobs. A job moves ready -> processing on Pop, and
// leaves processing through Ack (done) or Schedule (retry later).
type Backend interface {
	Push(ctx context.Context, job domain.Job) error
	// Pop claims the oldest ready job of jobType. It returns nil, nil when
	// nothing is ready.
	Pop(ctx context.Context, jobType string) (*domain.Job, error)
	Ack(ctx context.Context, job domain.Job) error
	Schedule(ctx context.Context, job domain.Job, runAt time.Time) error
	// PromoteDue moves delayed jobs whose time has come back to ready.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// Recover re-queues jobs left in processing by a previous run.
	Recover(ctx context.Context) (int, error)

	Record(ctx context.Context, rec domain.JobRecord, keep int) error
	History(ctx context.Context, state domain.JobState, limit int) ([]domain.JobRecord, error)
	ClearHistory(ctx context.Context) error

	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
	Close() error
}

// Counts is a snapshot of backend sizes.
type Counts struct {
	Waiting    int `json:"waiting"`
	Processing int `json:"processing"`
	Delayed    int `json:"delayed"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
