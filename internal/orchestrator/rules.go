package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"distributor/internal/bus"
	"distributor/internal/domain"
	"distributor/internal/rules"
)

// Import actions reported in RuleResult.Action.
const (
	ImportCreated   = "created"
	ImportUpdated   = "updated"
	ImportUnchanged = "unchanged"
	ImportSkipped   = "skipped" // soft-deleted; stays deleted
)

// RuleResult is the per-item outcome of ImportRules.
type RuleResult struct {
	Index  int          `json:"index"`
	Action string       `json:"action,omitempty"`
	Rule   *domain.Rule `json:"rule,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// CreateRule validates and stores a rule.
func (o *Orchestrator) CreateRule(ctx context.Context, r domain.Rule) (*domain.Rule, error) {
	if err := o.evaluator.ValidateRule(r); err != nil {
		return nil, err
	}
	created, err := o.rules.CreateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	o.emitRule(bus.EventRuleCreated, *created)
	return created, nil
}

// UpdateRule validates and replaces a rule.
func (o *Orchestrator) UpdateRule(ctx context.Context, r domain.Rule) (*domain.Rule, error) {
	if err := o.evaluator.ValidateRule(r); err != nil {
		return nil, err
	}
	updated, err := o.rules.UpdateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	o.emitRule(bus.EventRuleUpdated, *updated)
	return updated, nil
}

// DeleteRule soft-deletes a rule. Deleting twice is not an error and
// publishes rule.deleted only once.
func (o *Orchestrator) DeleteRule(ctx context.Context, tenantID, id string) error {
	deleted, err := o.rules.DeleteRule(ctx, tenantID, id)
	if err != nil || !deleted {
		return err
	}
	o.events.Emit(bus.Event{Type: bus.EventRuleDeleted, TenantID: tenantID, Payload: map[string]any{"ruleId": id}})
	return nil
}

func (o *Orchestrator) GetRule(ctx context.Context, tenantID, id string) (*domain.Rule, error) {
	return o.rules.GetRule(ctx, tenantID, id)
}

func (o *Orchestrator) ListRules(ctx context.Context, f domain.ListFilter) ([]domain.Rule, int, error) {
	return o.rules.ListRules(ctx, f)
}

// ImportRules upserts each rule independently. A rule without an id gets
// one derived from its tenant and name, so re-importing the same set is
// idempotent. Rules that were soft-deleted are left deleted.
func (o *Orchestrator) ImportRules(ctx context.Context, rs []domain.Rule) []RuleResult {
	out := make([]RuleResult, len(rs))
	for i, r := range rs {
		out[i].Index = i
		if r.ID == "" {
			r.ID = rules.StableRuleID(r.TenantID, r.Name)
		}
		rule, action, err := o.importRule(ctx, r)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Rule, out[i].Action = rule, action
	}
	return out
}

func (o *Orchestrator) importRule(ctx context.Context, r domain.Rule) (*domain.Rule, string, error) {
	existing, err := o.rules.GetRule(ctx, r.TenantID, r.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		created, err := o.CreateRule(ctx, r)
		return created, ImportCreated, err
	case err != nil:
		return nil, "", err
	case existing.DeletedAt != nil:
		o.logger.Info("imported rule was deleted, skipping", "tenant", r.TenantID, "rule_id", r.ID, "name", r.Name)
		return existing, ImportSkipped, nil
	case sameRule(*existing, r):
		return existing, ImportUnchanged, nil
	}
	updated, err := o.UpdateRule(ctx, r)
	return updated, ImportUpdated, err
}

func sameRule(a, b domain.Rule) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.RuleType == b.RuleType &&
		a.TargetChannel == b.TargetChannel &&
		a.Priority == b.Priority &&
		a.IsActive == b.IsActive &&
		sameJSON(a.Conditions, b.Conditions)
}

func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func (o *Orchestrator) emitRule(eventType string, r domain.Rule) {
	o.events.Emit(bus.Event{
		Type:     eventType,
		TenantID: r.TenantID,
		Channel:  string(r.TargetChannel),
		Payload: map[string]any{
			"ruleId":   r.ID,
			"name":     r.Name,
			"ruleType": string(r.RuleType),
			"priority": r.Priority,
			"isActive": r.IsActive,
		},
	})
}
