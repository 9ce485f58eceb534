// Package orchestrator ties rule evaluation, the assignment store, the
// dispatch queue and the channel adapters together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"distributor/internal/bus"
	"distributor/internal/channel"
	"distributor/internal/domain"
	"distributor/internal/metrics"
	"distributor/internal/queue"
	"distributor/internal/rules"

	"github.com/google/uuid"
)

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Rules       domain.RuleStore
	Assignments domain.AssignmentStore
	Registry    *channel.Registry
	Evaluator   *rules.Evaluator
	Content     ContentResolver
	Recipients  RecipientResolver
	Events      *bus.EventBus         // optional
	Metrics     *metrics.Distribution // optional
	// Queue tunes the dispatch queue. Listener and Observer are set by New.
	Queue         queue.Config
	Concurrency   int // workers per channel, default 5
	DefaultMode   domain.DispatchMode
	DefaultTenant string // used for delivery reports that carry no tenant
	Logger        *slog.Logger
}

// Orchestrator distributes documents and dispatches the resulting
// assignments. It is the queue's Listener.
type Orchestrator struct {
	rules       domain.RuleStore
	assignments domain.AssignmentStore
	registry    *channel.Registry
	evaluator   *rules.Evaluator
	content     ContentResolver
	recipients  RecipientResolver
	events      *bus.EventBus
	metrics     *metrics.Distribution
	queue       *queue.Queue
	mode        domain.DispatchMode
	tenant      string
	logger      *slog.Logger
	startTime   time.Time
}

// ProcessOptions overrides the dispatch of one assignment.
type ProcessOptions struct {
	Mode      domain.DispatchMode // empty means the configured default
	Providers []string            // fallback order override
}

// New wires an orchestrator and its dispatch queue, registering one job
// type per channel.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Rules == nil || cfg.Assignments == nil {
		return nil, errors.New("orchestrator: rule and assignment stores are required")
	}
	if cfg.Registry == nil || cfg.Evaluator == nil {
		return nil, errors.New("orchestrator: registry and evaluator are required")
	}
	if cfg.Content == nil || cfg.Recipients == nil {
		return nil, errors.New("orchestrator: content and recipient resolvers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewEventBus(0, cfg.Logger)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewDistribution(metrics.NewCollector("distributor"))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = domain.ModeQueued
	}

	o := &Orchestrator{
		rules:       cfg.Rules,
		assignments: cfg.Assignments,
		registry:    cfg.Registry,
		evaluator:   cfg.Evaluator,
		content:     cfg.Content,
		recipients:  cfg.Recipients,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		mode:        cfg.DefaultMode,
		tenant:      cfg.DefaultTenant,
		logger:      cfg.Logger,
		startTime:   time.Now(),
	}

	qcfg := cfg.Queue
	qcfg.Listener = o
	qcfg.Observer = cfg.Metrics
	if qcfg.Logger == nil {
		qcfg.Logger = cfg.Logger
	}
	q, err := queue.New(qcfg)
	if err != nil {
		return nil, err
	}
	for _, ch := range domain.AllChannels {
		q.Register(ch.JobType(), o.handleJob, cfg.Concurrency)
	}
	o.queue = q
	return o, nil
}

// Start launches the queue workers.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.queue.Start(ctx)
}

// Stop waits for in-flight jobs and stops the workers.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.queue.Stop(ctx)
}

// Queue exposes the dispatch queue for administration.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// Events returns the lifecycle event bus.
func (o *Orchestrator) Events() *bus.EventBus { return o.events }

// Distribute evaluates the tenant's active rules against doc and creates a
// pending assignment for the winning rule. It returns nil, nil when no rule
// matches.
func (o *Orchestrator) Distribute(ctx context.Context, doc domain.Document) (*domain.Assignment, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	active, err := o.rules.ActiveRules(ctx, doc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	matches := o.evaluator.Select(active, doc)
	if len(matches) == 0 {
		o.metrics.DistributionUnmatched()
		o.events.Emit(bus.Event{
			Type:     bus.EventDistributionNoMatch,
			TenantID: doc.TenantID,
			Payload:  map[string]any{"documentId": doc.ID, "rulesEvaluated": len(active)},
		})
		o.logger.Info("no rule matched", "tenant", doc.TenantID, "document", doc.ID, "rules", len(active))
		return nil, nil
	}

	win := matches[0]
	ruleID := win.RuleID
	a, err := o.createAssignment(ctx, domain.NewAssignment{
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		CustomerID:      doc.Customer.ID,
		AssignedChannel: win.TargetChannel,
		RuleID:          &ruleID,
		Reason:          fmt.Sprintf("rule %q (priority %d): %s", win.RuleName, win.Priority, win.Reason),
		Metadata: map[string]any{
			"confidence": win.Confidence,
			"evaluation": matches,
			"document":   doc,
		},
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("document distributed",
		"tenant", doc.TenantID, "document", doc.ID, "assignment", a.ID,
		"channel", a.AssignedChannel, "rule", win.RuleName, "confidence", win.Confidence)
	return a, nil
}

// ManualAssignment builds an assignment request without a rule for doc.
func ManualAssignment(doc domain.Document, ch domain.Channel, reason string) domain.NewAssignment {
	if reason == "" {
		reason = "manual assignment"
	}
	return domain.NewAssignment{
		TenantID:        doc.TenantID,
		DocumentID:      doc.ID,
		CustomerID:      doc.Customer.ID,
		AssignedChannel: ch,
		Reason:          reason,
		Metadata:        map[string]any{"document": doc, "manual": true},
	}
}

// CreateAssignment creates a pending assignment, typically a manual one.
func (o *Orchestrator) CreateAssignment(ctx context.Context, n domain.NewAssignment) (*domain.Assignment, error) {
	return o.createAssignment(ctx, n)
}

// CreateAssignments creates each item independently and reports per-item
// outcomes.
func (o *Orchestrator) CreateAssignments(ctx context.Context, items []domain.NewAssignment) []domain.BatchItemResult {
	out := make([]domain.BatchItemResult, len(items))
	for i, n := range items {
		out[i].Index = i
		a, err := o.createAssignment(ctx, n)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Success = true
		out[i].Assignment = a
	}
	return out
}

func (o *Orchestrator) createAssignment(ctx context.Context, n domain.NewAssignment) (*domain.Assignment, error) {
	a, err := o.assignments.CreateAssignment(ctx, n)
	if err != nil {
		return nil, err
	}
	o.metrics.AssignmentCreated(a.AssignedChannel)
	o.events.Emit(bus.Event{
		Type:         bus.EventAssignmentCreated,
		TenantID:     a.TenantID,
		AssignmentID: a.ID,
		Channel:      string(a.AssignedChannel),
		Status:       string(a.Status),
		Payload:      map[string]any{"documentId": a.DocumentID, "reason": a.Reason},
	})
	return a, nil
}

// GetAssignment returns one assignment of the tenant.
func (o *Orchestrator) GetAssignment(ctx context.Context, tenantID, id string) (*domain.Assignment, error) {
	return o.assignments.GetAssignment(ctx, tenantID, id)
}

// ListAssignments returns a filtered page of assignments and the total count.
func (o *Orchestrator) ListAssignments(ctx context.Context, f domain.ListFilter) ([]domain.Assignment, int, error) {
	return o.assignments.ListAssignments(ctx, f)
}

// Process dispatches a pending assignment. Queued mode hands a job to the
// queue and marks the assignment sent once it is queued; immediate mode
// calls the channel adapter and records its outcome.
//
// A failure to resolve content or recipient fails the assignment and is
// reported in the result rather than as an error.
func (o *Orchestrator) Process(ctx context.Context, tenantID, id string, opts ProcessOptions) (*domain.DistributionResult, error) {
	a, err := o.assignments.GetAssignment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusPending {
		return nil, fmt.Errorf("process assignment %s in status %s: %w", id, a.Status, domain.ErrInvalidTransition)
	}
	mode := opts.Mode
	if mode == "" {
		mode = o.mode
	}
	if mode != domain.ModeQueued && mode != domain.ModeImmediate {
		return nil, &domain.ValidationError{Field: "mode", Message: "invalid dispatch mode " + string(mode)}
	}

	msg, err := o.resolve(ctx, *a)
	if err != nil {
		o.logger.Warn("assignment not dispatchable", "assignment", a.ID, "err", err)
		failed, terr := o.transition(ctx, *a, domain.TransitionRequest{
			Status:   domain.StatusFailed,
			Error:    err.Error(),
			Metadata: map[string]any{"dispatchMode": string(mode)},
		})
		if terr != nil {
			return nil, terr
		}
		o.metrics.DispatchResult(mode, false)
		return &domain.DistributionResult{
			AssignmentID: a.ID, Status: failed.Status, Mode: mode, Error: err.Error(),
		}, nil
	}

	if mode == domain.ModeImmediate {
		return o.dispatchImmediate(ctx, *a, msg, opts.Providers)
	}
	return o.dispatchQueued(ctx, *a, msg, opts.Providers)
}

// ProcessBatch processes each assignment independently.
func (o *Orchestrator) ProcessBatch(ctx context.Context, tenantID string, ids []string, opts ProcessOptions) []domain.DistributionResult {
	if opts.Mode == "" {
		opts.Mode = o.mode
	}
	out := make([]domain.DistributionResult, len(ids))
	for i, id := range ids {
		res, err := o.Process(ctx, tenantID, id, opts)
		if err != nil {
			out[i] = domain.DistributionResult{AssignmentID: id, Mode: opts.Mode, Error: err.Error()}
			continue
		}
		out[i] = *res
	}
	return out
}

func (o *Orchestrator) resolve(ctx context.Context, a domain.Assignment) (domain.Message, error) {
	content, err := o.content.ResolveContent(ctx, a)
	if err != nil {
		return domain.Message{}, fmt.Errorf("resolve content: %w", err)
	}
	to, err := o.recipients.ResolveRecipient(ctx, a)
	if err != nil {
		return domain.Message{}, fmt.Errorf("resolve recipient: %w", err)
	}
	return domain.Message{
		To:          to.To,
		ProviderTo:  to.ByProvider,
		Subject:     content.Subject,
		Body:        content.Body,
		HTMLBody:    content.HTML,
		Attachments: content.Attachments,
		Metadata: map[string]any{
			"assignmentId": a.ID,
			"tenantId":     a.TenantID,
			"documentId":   a.DocumentID,
		},
	}, nil
}

func (o *Orchestrator) dispatchQueued(ctx context.Context, a domain.Assignment, msg domain.Message, providers []string) (*domain.DistributionResult, error) {
	job, err := o.queue.Add(ctx, domain.Job{
		ID:           uuid.NewString(),
		Type:         a.AssignedChannel.JobType(),
		AssignmentID: a.ID,
		TenantID:     a.TenantID,
		Channel:      a.AssignedChannel,
		Recipient:    msg.To,
		ProviderTo:   msg.ProviderTo,
		Subject:      msg.Subject,
		Body:         msg.Body,
		HTMLBody:     msg.HTMLBody,
		Attachments:  msg.Attachments,
		Metadata:     msg.Metadata,
		Providers:    providers,
	})
	if err != nil {
		o.metrics.DispatchResult(domain.ModeQueued, false)
		return nil, fmt.Errorf("queue assignment %s: %w", a.ID, err)
	}
	o.metrics.DispatchResult(domain.ModeQueued, true)
	o.events.Emit(bus.Event{
		Type:         bus.EventDispatchQueued,
		TenantID:     a.TenantID,
		AssignmentID: a.ID,
		Channel:      string(a.AssignedChannel),
		Payload:      map[string]any{"jobId": job.ID},
	})

	res := &domain.DistributionResult{AssignmentID: a.ID, Success: true, Mode: domain.ModeQueued, JobID: job.ID}
	sent, err := o.transition(ctx, a, domain.TransitionRequest{
		Status:   domain.StatusSent,
		Metadata: map[string]any{"dispatchMode": string(domain.ModeQueued), "jobId": job.ID},
	})
	switch {
	case err == nil:
		res.Status = sent.Status
	case errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConflict):
		// A worker finished the job first and already moved the assignment.
		cur, gerr := o.assignments.GetAssignment(ctx, a.TenantID, a.ID)
		if gerr != nil {
			return nil, gerr
		}
		o.annotate(ctx, *cur, map[string]any{"dispatchMode": string(domain.ModeQueued), "jobId": job.ID})
		res.Status = cur.Status
	default:
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) dispatchImmediate(ctx context.Context, a domain.Assignment, msg domain.Message, providers []string) (*domain.DistributionResult, error) {
	adapter, err := o.registry.Adapter(a.AssignedChannel)
	if err != nil {
		return nil, err
	}
	result := adapter.SendWithFallback(ctx, msg, providers)
	o.metrics.DispatchResult(domain.ModeImmediate, result.Success)

	meta := resultMetadata(result)
	meta["dispatchMode"] = string(domain.ModeImmediate)
	req := domain.TransitionRequest{Status: domain.StatusSent, Metadata: meta}
	if !result.Success {
		req.Status = domain.StatusFailed
		req.Error = result.Error
	}
	updated, err := o.transition(ctx, a, req)
	if err != nil {
		return nil, err
	}
	return &domain.DistributionResult{
		AssignmentID: a.ID,
		Success:      result.Success,
		Status:       updated.Status,
		Mode:         domain.ModeImmediate,
		Result:       &result,
		Error:        result.Error,
	}, nil
}

// Resend creates a fresh assignment from a terminal one and processes it.
// The original record is left untouched.
func (o *Orchestrator) Resend(ctx context.Context, tenantID, id string, opts ProcessOptions) (*domain.DistributionResult, error) {
	orig, err := o.assignments.GetAssignment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !orig.Status.Terminal() {
		return nil, &domain.ValidationError{Field: "status", Message: "only delivered, failed or bounced assignments can be resent"}
	}
	meta := map[string]any{"resendOf": orig.ID}
	for _, k := range []string{"document", "evaluation", "confidence", "manual"} {
		if v, ok := orig.Metadata[k]; ok {
			meta[k] = v
		}
	}
	fresh, err := o.createAssignment(ctx, domain.NewAssignment{
		TenantID:        orig.TenantID,
		DocumentID:      orig.DocumentID,
		CustomerID:      orig.CustomerID,
		AssignedChannel: orig.AssignedChannel,
		RuleID:          orig.RuleID,
		Reason:          "resend of " + orig.ID + ": " + orig.Reason,
		Metadata:        meta,
	})
	if err != nil {
		return nil, err
	}
	return o.Process(ctx, tenantID, fresh.ID, opts)
}

// ReportDelivery applies a provider delivery outcome to a sent assignment.
// Only delivered, bounced and failed are accepted.
func (o *Orchestrator) ReportDelivery(ctx context.Context, tenantID, id string, status domain.Status, errMsg string) (*domain.Assignment, error) {
	return o.report(ctx, tenantID, id, status, errMsg, nil)
}

// HandleDeliveryReport resolves the assignment of a webhook report, by id or
// by provider message id, and applies it.
func (o *Orchestrator) HandleDeliveryReport(ctx context.Context, r domain.DeliveryReport) error {
	tenant := r.TenantID
	if tenant == "" {
		tenant = o.tenant
	}
	id := r.AssignmentID
	if id == "" {
		a, err := o.assignments.FindByProviderMessageID(ctx, tenant, r.ProviderMessageID)
		if err != nil {
			return err
		}
		id = a.ID
	}
	var meta map[string]any
	if r.Provider != "" {
		meta = map[string]any{"reportedBy": r.Provider}
	}
	_, err := o.report(ctx, tenant, id, r.Status, r.Error, meta)
	return err
}

func (o *Orchestrator) report(ctx context.Context, tenantID, id string, status domain.Status, errMsg string, meta map[string]any) (*domain.Assignment, error) {
	switch status {
	case domain.StatusDelivered, domain.StatusBounced, domain.StatusFailed:
	default:
		return nil, &domain.ValidationError{Field: "status", Message: "delivery status must be delivered, bounced or failed"}
	}
	a, err := o.assignments.GetAssignment(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return o.transition(ctx, *a, domain.TransitionRequest{Status: status, Error: errMsg, Metadata: meta})
}

// transition applies req to a and publishes the outcome.
func (o *Orchestrator) transition(ctx context.Context, a domain.Assignment, req domain.TransitionRequest) (*domain.Assignment, error) {
	req.ID = a.ID
	req.TenantID = a.TenantID
	updated, err := o.assignments.Transition(ctx, req)
	if err != nil {
		return nil, err
	}
	o.metrics.AssignmentTransitioned(updated.AssignedChannel, updated.Status)
	payload := map[string]any{"from": string(a.Status)}
	if updated.Error != "" {
		payload["error"] = updated.Error
	}
	for _, k := range []string{"providerName", "providerMessageId", "jobId"} {
		if v, ok := req.Metadata[k]; ok {
			payload[k] = v
		}
	}
	o.events.Emit(bus.Event{
		Type:         bus.StatusEvent(string(updated.Status)),
		TenantID:     updated.TenantID,
		AssignmentID: updated.ID,
		Channel:      string(updated.AssignedChannel),
		Status:       string(updated.Status),
		Payload:      payload,
	})
	return updated, nil
}

func (o *Orchestrator) annotate(ctx context.Context, a domain.Assignment, meta map[string]any) {
	if _, err := o.assignments.Annotate(ctx, a.TenantID, a.ID, meta); err != nil {
		o.logger.Warn("annotate assignment failed", "assignment", a.ID, "err", err)
	}
}

// resultMetadata folds a channel result into assignment metadata.
func resultMetadata(r domain.ChannelResult) map[string]any {
	meta := map[string]any{"deliveryTimeMs": r.DeliveryTimeMs}
	if r.ProviderName != "" {
		meta["providerName"] = r.ProviderName
	}
	if r.ProviderMessageID != "" {
		meta["providerMessageId"] = r.ProviderMessageID
	}
	if failed := r.FailedAttempts(); len(failed) > 0 {
		meta["providerErrors"] = failed
	}
	return meta
}
