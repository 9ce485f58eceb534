package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"distributor/internal/domain"
)

// AmountConditions bound the document amount. Either bound may be absent.
type AmountConditions struct {
	MinAmount *float64 `json:"minAmount,omitempty"`
	MaxAmount *float64 `json:"maxAmount,omitempty"`
}

// CustomerConditions match customer classification attributes.
type CustomerConditions struct {
	Segments          []string `json:"segments,omitempty"`
	CustomerTypes     []string `json:"customerTypes,omitempty"`
	PreferredChannels []string `json:"preferredChannels,omitempty"`
}

// IndustryConditions is an allow-list with an optional per-industry risk table.
type IndustryConditions struct {
	Industries []string          `json:"industries"`
	RiskLevels map[string]string `json:"riskLevels,omitempty"` // industry -> low|medium|high
}

// GeographicConditions match the customer location.
type GeographicConditions struct {
	Countries []string `json:"countries,omitempty"`
	States    []string `json:"states,omitempty"`
	Cities    []string `json:"cities,omitempty"`
	Regions   []string `json:"regions,omitempty"`
}

// CustomConditions hold an operator-defined boolean expression.
type CustomConditions struct {
	Expression string `json:"expression"`
}

func decodeConditions(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return &domain.ValidationError{Field: "conditions", Message: "conditions are required"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ValidationError{Field: "conditions", Message: err.Error()}
	}
	return nil
}

// ParseAmount decodes and validates amount conditions.
func ParseAmount(raw json.RawMessage, requireBounds bool) (AmountConditions, error) {
	var c AmountConditions
	if err := decodeConditions(raw, &c); err != nil {
		return c, err
	}
	for field, v := range map[string]*float64{"minAmount": c.MinAmount, "maxAmount": c.MaxAmount} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0) {
			return c, &domain.ValidationError{Field: "conditions." + field, Message: "must be a non-negative number"}
		}
	}
	if c.MinAmount != nil && c.MaxAmount != nil && *c.MinAmount > *c.MaxAmount {
		return c, &domain.ValidationError{Field: "conditions", Message: "minAmount must not exceed maxAmount"}
	}
	if requireBounds && c.MinAmount == nil && c.MaxAmount == nil {
		return c, &domain.ValidationError{Field: "conditions", Message: "amount rule requires minAmount or maxAmount"}
	}
	return c, nil
}

// ParseCustomer decodes and validates customer conditions.
func ParseCustomer(raw json.RawMessage) (CustomerConditions, error) {
	var c CustomerConditions
	if err := decodeConditions(raw, &c); err != nil {
		return c, err
	}
	if len(c.Segments) == 0 && len(c.CustomerTypes) == 0 && len(c.PreferredChannels) == 0 {
		return c, &domain.ValidationError{Field: "conditions", Message: "customer rule requires segments, customerTypes or preferredChannels"}
	}
	for _, ch := range c.PreferredChannels {
		if _, err := domain.ParseChannel(ch); err != nil {
			return c, &domain.ValidationError{Field: "conditions.preferredChannels", Message: err.Error()}
		}
	}
	return c, nil
}

// ParseIndustry decodes and validates industry conditions.
func ParseIndustry(raw json.RawMessage) (IndustryConditions, error) {
	var c IndustryConditions
	if err := decodeConditions(raw, &c); err != nil {
		return c, err
	}
	if len(c.Industries) == 0 {
		return c, &domain.ValidationError{Field: "conditions.industries", Message: "industry rule requires at least one industry"}
	}
	for industry, level := range c.RiskLevels {
		switch strings.ToLower(level) {
		case "low", "medium", "high":
		default:
			return c, &domain.ValidationError{
				Field:   "conditions.riskLevels",
				Message: fmt.Sprintf("risk level for %q must be low, medium or high", industry),
			}
		}
	}
	return c, nil
}

// ParseGeographic decodes and validates geographic conditions.
func ParseGeographic(raw json.RawMessage) (GeographicConditions, error) {
	var c GeographicConditions
	if err := decodeConditions(raw, &c); err != nil {
		return c, err
	}
	if len(c.Countries) == 0 && len(c.States) == 0 && len(c.Cities) == 0 && len(c.Regions) == 0 {
		return c, &domain.ValidationError{Field: "conditions", Message: "geographic rule requires countries, states, cities or regions"}
	}
	return c, nil
}

// ParseCustom decodes custom conditions. Compilation is checked by the evaluator.
func ParseCustom(raw json.RawMessage) (CustomConditions, error) {
	var c CustomConditions
	if err := decodeConditions(raw, &c); err != nil {
		return c, err
	}
	c.Expression = strings.TrimSpace(c.Expression)
	if c.Expression == "" {
		return c, &domain.ValidationError{Field: "conditions.expression", Message: "custom rule requires an expression"}
	}
	return c, nil
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

func prefersChannel(list []string, preferred domain.Channel) bool {
	if preferred == "" {
		return false
	}
	want, err := domain.ParseChannel(string(preferred))
	if err != nil {
		return false
	}
	for _, item := range list {
		if ch, err := domain.ParseChannel(item); err == nil && ch == want {
			return true
		}
	}
	return false
}
