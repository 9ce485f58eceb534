package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"distributor/internal/domain"
)

// MemoryBackend keeps jobs in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu         sync.Mutex
	ready      map[string][]domain.Job
	processing map[string]domain.Job
	delayed    []delayedJob
	history    map[domain.JobState][]domain.JobRecord // newest first
}

type delayedJob struct {
	job   domain.Job
	runAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		ready:      make(map[string][]domain.Job),
		processing: make(map[string]domain.Job),
		history:    make(map[domain.JobState][]domain.JobRecord),
	}
}

func (m *MemoryBackend) Push(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready[job.Type] = append(m.ready[job.Type], job)
	return nil
}

func (m *MemoryBackend) Pop(_ context.Context, jobType string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.ready[jobType]
	if len(q) == 0 {
		return nil, nil
	}
	job := q[0]
	q[0] = domain.Job{}
	m.ready[jobType] = q[1:]
	m.processing[job.ID] = job
	return &job, nil
}

func (m *MemoryBackend) Ack(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, job.ID)
	return nil
}

func (m *MemoryBackend) Schedule(_ context.Context, job domain.Job, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processing, job.ID)
	m.delayed = append(m.delayed, delayedJob{job: job, runAt: runAt})
	return nil
}

func (m *MemoryBackend) PromoteDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.delayed) == 0 {
		return 0, nil
	}
	sort.SliceStable(m.delayed, func(i, j int) bool { return m.delayed[i].runAt.Before(m.delayed[j].runAt) })

	n := 0
	for n < len(m.delayed) && !m.delayed[n].runAt.After(now) {
		job := m.delayed[n].job
		m.ready[job.Type] = append(m.ready[job.Type], job)
		n++
	}
	m.delayed = append(m.delayed[:0], m.delayed[n:]...)
	return n, nil
}

// Recover puts processing jobs back at the head of their ready lists.
func (m *MemoryBackend) Recover(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, job := range m.processing {
		m.ready[job.Type] = append([]domain.Job{job}, m.ready[job.Type]...)
		delete(m.processing, id)
		n++
	}
	return n, nil
}

func (m *MemoryBackend) Record(_ context.Context, rec domain.JobRecord, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append([]domain.JobRecord{rec}, m.history[rec.State]...)
	if keep > 0 && len(h) > keep {
		h = h[:keep]
	}
	m.history[rec.State] = h
	return nil
}

func (m *MemoryBackend) History(_ context.Context, state domain.JobState, limit int) ([]domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[state]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	out := make([]domain.JobRecord, len(h))
	copy(out, h)
	return out, nil
}

func (m *MemoryBackend) ClearHistory(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = make(map[domain.JobState][]domain.JobRecord)
	return nil
}

func (m *MemoryBackend) Counts(_ context.Context) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := Counts{
		Processing: len(m.processing),
		Delayed:    len(m.delayed),
		Completed:  len(m.history[domain.JobCompleted]),
		Failed:     len(m.history[domain.JobFailed]),
	}
	for _, q := range m.ready {
		c.Waiting += len(q)
	}
	return c, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }
func (m *MemoryBackend) Close() error               { return nil }
