package metrics

import (
	"fmt"
	"time"

	"distributor/internal/domain"
)

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Distribution records the engine's metrics on a Collector. It satisfies the
// channel and queue observer interfaces.
type Distribution struct {
	c *Collector
}

// NewDistribution returns the distributor metric set on c.
func NewDistribution(c *Collector) *Distribution {
	return &Distribution{c: c}
}

// Collector returns the underlying collector.
func (d *Distribution) Collector() *Collector { return d.c }

// ObserveSend records one provider call.
func (d *Distribution) ObserveSend(ch domain.Channel, provider string, elapsed time.Duration, err error) {
	labels := fmt.Sprintf(`channel=%q,provider=%q`, ch, provider)
	d.c.Histogram("distributor_provider_latency_seconds", "Provider send latency in seconds", labels, latencyBuckets).
		Observe(elapsed.Seconds())
	if err != nil {
		d.c.Counter("distributor_provider_failures_total", "Failed provider sends", labels).Inc()
	}
}

// ObserveJob records a queue job attempt outcome: completed, retry or failed.
func (d *Distribution) ObserveJob(jobType, outcome string, elapsed time.Duration) {
	d.c.Counter("distributor_jobs_total", "Queue job attempts by outcome",
		fmt.Sprintf(`type=%q,outcome=%q`, jobType, outcome)).Inc()
	d.c.Histogram("distributor_job_duration_seconds", "Queue job attempt duration in seconds",
		fmt.Sprintf(`type=%q`, jobType), latencyBuckets).Observe(elapsed.Seconds())
}

// JobStarted and JobFinished track in-flight jobs.
func (d *Distribution) JobStarted() {
	d.c.Gauge("distributor_jobs_in_flight", "Jobs currently being processed", "").Inc()
}

func (d *Distribution) JobFinished() {
	d.c.Gauge("distributor_jobs_in_flight", "Jobs currently being processed", "").Dec()
}

// AssignmentCreated counts a new assignment on ch.
func (d *Distribution) AssignmentCreated(ch domain.Channel) {
	d.c.Counter("distributor_assignments_created_total", "Assignments created",
		fmt.Sprintf(`channel=%q`, ch)).Inc()
}

// AssignmentTransitioned counts a status change.
func (d *Distribution) AssignmentTransitioned(ch domain.Channel, status domain.Status) {
	d.c.Counter("distributor_assignment_transitions_total", "Assignment status transitions",
		fmt.Sprintf(`channel=%q,status=%q`, ch, status)).Inc()
}

// DistributionUnmatched counts documents no rule matched.
func (d *Distribution) DistributionUnmatched() {
	d.c.Counter("distributor_distributions_unmatched_total", "Documents without a matching rule", "").Inc()
}

// DispatchResult counts a dispatch by mode and outcome.
func (d *Distribution) DispatchResult(mode domain.DispatchMode, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	d.c.Counter("distributor_dispatch_total", "Dispatches by mode and outcome",
		fmt.Sprintf(`mode=%q,outcome=%q`, mode, outcome)).Inc()
}

// SetQueueDepth publishes queue counts.
func (d *Distribution) SetQueueDepth(waiting, processing, delayed int) {
	d.c.Gauge("distributor_queue_jobs", "Jobs in the queue by state", `state="waiting"`).Set(int64(waiting))
	d.c.Gauge("distributor_queue_jobs", "Jobs in the queue by state", `state="processing"`).Set(int64(processing))
	d.c.Gauge("distributor_queue_jobs", "Jobs in the queue by state", `state="delayed"`).Set(int64(delayed))
}
