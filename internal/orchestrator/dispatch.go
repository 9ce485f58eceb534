package orchestrator

import (
	"context"
	"errors"

	"distributor/internal/bus"
	"distributor/internal/domain"
)

// handleJob is the queue handler of every channel job type.
func (o *Orchestrator) handleJob(ctx context.Context, job domain.Job) (*domain.ChannelResult, error) {
	o.metrics.JobStarted()
	defer o.metrics.JobFinished()

	adapter, err := o.registry.Adapter(job.Channel)
	if err != nil {
		return nil, err
	}
	res := adapter.SendWithFallback(ctx, job.Message(), job.Providers)
	if !res.Success {
		return &res, errors.New(res.Error)
	}
	return &res, nil
}

// OnCompleted makes sure the assignment is sent and records the provider
// outcome on it.
func (o *Orchestrator) OnCompleted(ctx context.Context, job domain.Job, res *domain.ChannelResult) {
	a, err := o.assignments.GetAssignment(ctx, job.TenantID, job.AssignmentID)
	if err != nil {
		o.logger.Error("completed job without assignment", "job", job.ID, "assignment", job.AssignmentID, "err", err)
		return
	}
	meta := map[string]any{"attempts": job.Attempts}
	if res != nil {
		for k, v := range resultMetadata(*res) {
			meta[k] = v
		}
	}

	if a.Status == domain.StatusPending {
		meta["dispatchMode"] = string(domain.ModeQueued)
		meta["jobId"] = job.ID
		_, err := o.transition(ctx, *a, domain.TransitionRequest{Status: domain.StatusSent, Metadata: meta})
		if err == nil {
			return
		}
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrConflict) {
			o.logger.Error("mark assignment sent failed", "assignment", a.ID, "err", err)
			return
		}
	}
	o.annotate(ctx, *a, meta)
	o.logger.Info("assignment dispatched",
		"assignment", a.ID, "channel", job.Channel, "provider", meta["providerName"], "attempts", job.Attempts)
}

// OnFailed publishes scheduled retries and fails the assignment once the job
// has used its last attempt.
func (o *Orchestrator) OnFailed(ctx context.Context, job domain.Job, jobErr error, permanent bool) {
	if !permanent {
		o.events.Emit(bus.Event{
			Type:         bus.EventDispatchRetry,
			TenantID:     job.TenantID,
			AssignmentID: job.AssignmentID,
			Channel:      string(job.Channel),
			Payload:      map[string]any{"jobId": job.ID, "attempt": job.Attempts, "error": jobErr.Error()},
		})
		return
	}

	a, err := o.assignments.GetAssignment(ctx, job.TenantID, job.AssignmentID)
	if err != nil {
		o.logger.Error("failed job without assignment", "job", job.ID, "assignment", job.AssignmentID, "err", err)
		return
	}
	if a.Status.Terminal() {
		o.logger.Warn("job failed for an assignment already settled",
			"assignment", a.ID, "status", a.Status, "err", jobErr)
		return
	}
	_, err = o.transition(ctx, *a, domain.TransitionRequest{
		Status:   domain.StatusFailed,
		Error:    jobErr.Error(),
		Metadata: map[string]any{"attempts": job.Attempts, "jobId": job.ID},
	})
	if err != nil {
		o.logger.Error("mark assignment failed", "assignment", a.ID, "err", err)
		return
	}
	o.logger.Warn("assignment failed after retries",
		"assignment", a.ID, "channel", job.Channel, "attempts", job.Attempts, "err", jobErr)
}
