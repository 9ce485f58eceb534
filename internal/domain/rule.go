package domain

import (
	"encoding/json"
	"time"
)

// RuleType selects how a rule's conditions are interpreted.
type RuleType string

const (
	RuleAmount     RuleType = "amount"
	RuleCustomer   RuleType = "customer"
	RuleIndustry   RuleType = "industry"
	RuleGeographic RuleType = "geographic"
	RuleCustom     RuleType = "custom"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleAmount, RuleCustomer, RuleIndustry, RuleGeographic, RuleCustom:
		return true
	}
	return false
}

// Rule is a tenant-scoped distribution policy.
// Conditions is an opaque JSON object whose shape depends on RuleType.
type Rule struct {
	ID            string          `json:"id" yaml:"id"`
	TenantID      string          `json:"tenantId" yaml:"tenantId"`
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	RuleType      RuleType        `json:"ruleType" yaml:"ruleType"`
	Conditions    json.RawMessage `json:"conditions" yaml:"-"`
	TargetChannel Channel         `json:"targetChannel" yaml:"targetChannel"`
	Priority      int             `json:"priority" yaml:"priority"`
	IsActive      bool            `json:"isActive" yaml:"isActive"`
	CreatedBy     string          `json:"createdBy,omitempty" yaml:"createdBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt" yaml:"-"`
	UpdatedAt     time.Time       `json:"updatedAt" yaml:"-"`
	DeletedAt     *time.Time      `json:"deletedAt,omitempty" yaml:"-"`
}

// Deleted reports whether the rule has been soft-deleted.
func (r Rule) Deleted() bool { return r.DeletedAt != nil }

// Customer holds the attributes rules are evaluated against.
type Customer struct {
	ID               string  `json:"id"`
	Name             string  `json:"name,omitempty"`
	Email            string  `json:"email,omitempty"`
	Phone            string  `json:"phone,omitempty"`
	ChatID           string  `json:"chatId,omitempty"`
	Segment          string  `json:"segment,omitempty"`
	Type             string  `json:"type,omitempty"`
	PreferredChannel Channel `json:"preferredChannel,omitempty"`
	Industry         string  `json:"industry,omitempty"`
	Country          string  `json:"country,omitempty"`
	State            string  `json:"state,omitempty"`
	City             string  `json:"city,omitempty"`
	Region           string  `json:"region,omitempty"`
	PostalAddress    string  `json:"postalAddress,omitempty"`
	EDIIdentifier    string  `json:"ediIdentifier,omitempty"`

	// ChatIDs addresses the customer per chat provider (telegram, slack,
	// discord, whatsapp) and wins over ChatID.
	ChatIDs map[string]string `json:"chatIds,omitempty"`
}

// Document is the business document (an invoice) being distributed.
type Document struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	Number     string         `json:"number,omitempty"`
	Amount     float64        `json:"amount"`
	Currency   string         `json:"currency,omitempty"`
	IssueDate  time.Time      `json:"issueDate,omitempty"`
	DueDate    time.Time      `json:"dueDate,omitempty"`
	Customer   Customer       `json:"customer"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Validate checks the fields required for distribution.
func (d Document) Validate() error {
	if d.ID == "" {
		return &ValidationError{Field: "id", Message: "document id is required"}
	}
	if d.TenantID == "" {
		return &ValidationError{Field: "tenantId", Message: "tenant id is required"}
	}
	if d.Customer.ID == "" {
		return &ValidationError{Field: "customer.id", Message: "customer id is required"}
	}
	return nil
}
