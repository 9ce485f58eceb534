package domain

import "context"

// ListFilter selects a page of rules or assignments for one tenant.
// Zero values mean "no filter".
type ListFilter struct {
	TenantID string
	Channel  Channel
	Status   Status
	RuleID   string
	Page     int // 1-based
	Limit    int
}

// Normalize applies paging defaults.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	return f
}

// Offset returns the row offset of the page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// RuleStore persists distribution rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r Rule) (*Rule, error)
	GetRule(ctx context.Context, tenantID, id string) (*Rule, error)
	UpdateRule(ctx context.Context, r Rule) (*Rule, error)
	// DeleteRule soft-deletes a rule and reports whether this call deleted it.
	// Deleting an already deleted rule is a no-op.
	DeleteRule(ctx context.Context, tenantID, id string) (bool, error)
	ListRules(ctx context.Context, f ListFilter) ([]Rule, int, error)
	ActiveRules(ctx context.Context, tenantID string) ([]Rule, error)
}

// AssignmentStore persists assignments. Transition is the only lifecycle
// mutation.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, n NewAssignment) (*Assignment, error)
	GetAssignment(ctx context.Context, tenantID, id string) (*Assignment, error)
	ListAssignments(ctx context.Context, f ListFilter) ([]Assignment, int, error)
	// FindByProviderMessageID returns the newest assignment whose send was
	// accepted under the given provider message id.
	FindByProviderMessageID(ctx context.Context, tenantID, messageID string) (*Assignment, error)
	Transition(ctx context.Context, req TransitionRequest) (*Assignment, error)
	// Annotate merges metadata only; status and timestamps are untouched.
	Annotate(ctx context.Context, tenantID, id string, meta map[string]any) (*Assignment, error)
}
