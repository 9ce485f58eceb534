package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"distributor/internal/domain"
	"distributor/internal/queue"
)

const probeTimeout = 5 * time.Second

// Liveness reports that the process is up.
type Liveness struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ProviderStatus is the probe outcome of one provider.
type ProviderStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// ChannelHealth groups the provider probes of one channel.
type ChannelHealth struct {
	Channel   domain.Channel   `json:"channel"`
	Healthy   bool             `json:"healthy"`
	Providers []ProviderStatus `json:"providers"`
}

// QueueHealth reports queue reachability and depth.
type QueueHealth struct {
	Healthy bool         `json:"healthy"`
	Error   string       `json:"error,omitempty"`
	Stats   *queue.Stats `json:"stats,omitempty"`
}

// HealthReport aggregates channel and queue health.
type HealthReport struct {
	Healthy   bool            `json:"healthy"`
	Channels  []ChannelHealth `json:"channels"`
	Queue     QueueHealth     `json:"queue"`
	CheckedAt time.Time       `json:"checkedAt"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (o *Orchestrator) Liveness() Liveness {
	return Liveness{Status: "ok", Uptime: time.Since(o.startTime).Round(time.Second).String()}
}

// Readiness checks that the store and the queue backend answer.
func (o *Orchestrator) Readiness(ctx context.Context) error {
	if p, ok := o.assignments.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if err := o.queue.Ping(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// ProviderHealth probes every configured provider concurrently. The report
// is healthy when each channel that has providers has at least one healthy
// provider and the queue is reachable. Channels without providers are left
// out.
func (o *Orchestrator) ProviderHealth(ctx context.Context) HealthReport {
	channels := o.registry.Channels()
	report := HealthReport{Healthy: true, Channels: make([]ChannelHealth, len(channels)), CheckedAt: time.Now().UTC()}

	var wg sync.WaitGroup
	for i, ch := range channels {
		adapter, err := o.registry.Adapter(ch)
		if err != nil {
			continue
		}
		names := adapter.AvailableProviders()
		report.Channels[i] = ChannelHealth{Channel: ch, Providers: make([]ProviderStatus, len(names))}
		for j, name := range names {
			wg.Add(1)
			go func(st *ProviderStatus, name string) {
				defer wg.Done()
				pctx, cancel := context.WithTimeout(ctx, probeTimeout)
				defer cancel()
				start := time.Now()
				err := adapter.TestProvider(pctx, name)
				*st = ProviderStatus{Name: name, Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
				if err != nil {
					st.Error = err.Error()
				}
			}(&report.Channels[i].Providers[j], name)
		}
	}

	qctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := o.queue.Ping(qctx); err != nil {
		report.Queue = QueueHealth{Error: err.Error()}
	} else {
		report.Queue.Healthy = true
		if stats, err := o.queue.Stats(qctx); err == nil {
			report.Queue.Stats = &stats
			o.metrics.SetQueueDepth(stats.Waiting, stats.Processing, stats.Delayed)
		}
	}
	wg.Wait()

	for i := range report.Channels {
		for _, p := range report.Channels[i].Providers {
			if p.Healthy {
				report.Channels[i].Healthy = true
				break
			}
		}
		if !report.Channels[i].Healthy {
			report.Healthy = false
		}
	}
	if !report.Queue.Healthy {
		report.Healthy = false
	}
	return report
}
