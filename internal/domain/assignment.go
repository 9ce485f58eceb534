package domain

import (
	"context"
	"time"
)

// Status is the delivery status of an assignment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusBounced:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusBounced
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: "invalid status " + s}
	}
	return st, nil
}

var transitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed, StatusBounced},
	StatusSent:    {StatusDelivered, StatusFailed, StatusBounced},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Assignment records that a document will be delivered via a channel.
type Assignment struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	DocumentID      string         `json:"documentId"`
	CustomerID      string         `json:"customerId"`
	AssignedChannel Channel        `json:"assignedChannel"`
	RuleID          *string        `json:"ruleId,omitempty"` // nil for manual assignments
	Reason          string         `json:"reason"`
	Status          Status         `json:"status"`
	SentAt          *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt     *time.Time     `json:"deliveredAt,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// NewAssignment carries the caller-supplied fields of an assignment to create.
type NewAssignment struct {
	TenantID        string         `json:"tenantId"`
	DocumentID      string         `json:"documentId"`
	CustomerID      string         `json:"customerId"`
	AssignedChannel Channel        `json:"assignedChannel"`
	RuleID          *string        `json:"ruleId,omitempty"`
	Reason          string         `json:"reason"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate checks the required fields of a new assignment.
func (n NewAssignment) Validate() error {
	if n.TenantID == "" {
		return &ValidationError{Field: "tenantId", Message: "tenant id is required"}
	}
	if n.DocumentID == "" {
		return &ValidationError{Field: "documentId", Message: "document id is required"}
	}
	if n.CustomerID == "" {
		return &ValidationError{Field: "customerId", Message: "customer id is required"}
	}
	if !n.AssignedChannel.Valid() {
		return &ValidationError{Field: "assignedChannel", Message: "invalid channel " + string(n.AssignedChannel)}
	}
	return nil
}

// TransitionRequest moves an assignment to a new status.
// Metadata is merged into the stored metadata.
type TransitionRequest struct {
	ID       string
	TenantID string
	Status   Status
	Error    string
	Metadata map[string]any
}

// DispatchMode selects how an assignment is handed to a channel adapter.
type DispatchMode string

const (
	ModeQueued    DispatchMode = "queued"
	ModeImmediate DispatchMode = "immediate"
)

// DistributionResult is the per-assignment outcome of processing.
type DistributionResult struct {
	AssignmentID string         `json:"assignmentId"`
	Success      bool           `json:"success"`
	Status       Status         `json:"status,omitempty"`
	Mode         DispatchMode   `json:"mode"`
	JobID        string         `json:"jobId,omitempty"`
	Result       *ChannelResult `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// BatchItemResult is the per-item outcome of a batch creation.
type BatchItemResult struct {
	Index      int         `json:"index"`
	Success    bool        `json:"success"`
	Assignment *Assignment `json:"assignment,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// DeliveryReport is a provider callback about a message sent earlier. It
// identifies the assignment directly or through the provider message id.
type DeliveryReport struct {
	TenantID          string `json:"tenantId,omitempty"`
	AssignmentID      string `json:"assignmentId,omitempty"`
	Provider          string `json:"provider,omitempty"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Status            Status `json:"status"`
	Error             string `json:"error,omitempty"`
}

// DeliveryReporter applies delivery reports to assignments.
type DeliveryReporter interface {
	HandleDeliveryReport(ctx context.Context, r DeliveryReport) error
}
