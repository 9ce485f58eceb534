package rules

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"distributor/internal/domain"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DegenerateAmountConfidence is the confidence of an amount rule with no bounds.
const DegenerateAmountConfidence = 0.5

// Options tunes rule validation and evaluation.
type Options struct {
	// RejectUnboundedAmountRules rejects amount rules without minAmount/maxAmount
	// at validation time. When false such rules match every document with
	// DegenerateAmountConfidence.
	RejectUnboundedAmountRules bool
	// CustomCostLimit bounds the runtime cost of a custom expression.
	CustomCostLimit uint64
	// ProgramCacheSize caps the number of compiled custom expressions kept.
	ProgramCacheSize int
	Now              func() time.Time
	Logger          *slog.Logger
}

// Match is the outcome of evaluating one rule against one document.
type Match struct {
	RuleID        string          `json:"ruleId"`
	RuleName      string          `json:"ruleName"`
	RuleType      domain.RuleType `json:"ruleType"`
	TargetChannel domain.Channel  `json:"targetChannel"`
	Matched       bool            `json:"matched"`
	Priority      int             `json:"priority"`
	Confidence    float64         `json:"confidence"`
	Reason        string          `json:"reason"`
}

// Evaluator scores rules against documents.
type Evaluator struct {
	opts     Options
	logger   *slog.Logger
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

// NewEvaluator builds an evaluator with a sandboxed expression environment.
func NewEvaluator(opts Options) (*Evaluator, error) {
	if opts.CustomCostLimit == 0 {
		opts.CustomCostLimit = defaultCostLimit
	}
	if opts.ProgramCacheSize <= 0 {
		opts.ProgramCacheSize = defaultProgramCacheSize
	}
	if opts.Now == nil {
		opts.Now = systemNow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	env, err := newCustomEnv()
	if err != nil {
		return nil, fmt.Errorf("custom rule environment: %w", err)
	}
	programs, err := lru.New[string, cel.Program](opts.ProgramCacheSize)
	if err != nil {
		return nil, fmt.Errorf("program cache: %w", err)
	}
	return &Evaluator{opts: opts, logger: opts.Logger, env: env, programs: programs}, nil
}

// ValidateRule enforces the mandatory fields and condition subset of a rule.
func (e *Evaluator) ValidateRule(r domain.Rule) error {
	if strings.TrimSpace(r.TenantID) == "" {
		return &domain.ValidationError{Field: "tenantId", Message: "tenant id is required"}
	}
	if strings.TrimSpace(r.Name) == "" {
		return &domain.ValidationError{Field: "name", Message: "name is required"}
	}
	if !r.RuleType.Valid() {
		return &domain.ValidationError{Field: "ruleType", Message: "invalid rule type " + string(r.RuleType)}
	}
	if !r.TargetChannel.Valid() {
		return &domain.ValidationError{Field: "targetChannel", Message: "invalid channel " + string(r.TargetChannel)}
	}
	var err error
	switch r.RuleType {
	case domain.RuleAmount:
		_, err = ParseAmount(r.Conditions, e.opts.RejectUnboundedAmountRules)
	case domain.RuleCustomer:
		_, err = ParseCustomer(r.Conditions)
	case domain.RuleIndustry:
		_, err = ParseIndustry(r.Conditions)
	case domain.RuleGeographic:
		_, err = ParseGeographic(r.Conditions)
	case domain.RuleCustom:
		var c CustomConditions
		if c, err = ParseCustom(r.Conditions); err == nil {
			if _, cerr := e.compileCustom(c.Expression); cerr != nil {
				err = &domain.ValidationError{Field: "conditions.expression", Message: cerr.Error()}
			}
		}
	}
	return err
}

// Evaluate scores a single rule. Malformed conditions never panic; they
// produce a non-match with the parse error as reason.
func (e *Evaluator) Evaluate(r domain.Rule, doc domain.Document) Match {
	m := Match{
		RuleID:        r.ID,
		RuleName:      r.Name,
		RuleType:      r.RuleType,
		TargetChannel: r.TargetChannel,
		Priority:      r.Priority,
	}

	var (
		matched    bool
		confidence float64
		reason     string
	)
	switch r.RuleType {
	case domain.RuleAmount:
		c, err := ParseAmount(r.Conditions, false)
		if err != nil {
			reason = err.Error()
			break
		}
		matched, confidence, reason = scoreAmount(c, doc.Amount)
	case domain.RuleCustomer:
		c, err := ParseCustomer(r.Conditions)
		if err != nil {
			reason = err.Error()
			break
		}
		matched, confidence, reason = scoreCustomer(c, doc.Customer)
	case domain.RuleIndustry:
		c, err := ParseIndustry(r.Conditions)
		if err != nil {
			reason = err.Error()
			break
		}
		matched, confidence, reason = scoreIndustry(c, doc.Customer.Industry)
	case domain.RuleGeographic:
		c, err := ParseGeographic(r.Conditions)
		if err != nil {
			reason = err.Error()
			break
		}
		matched, confidence, reason = scoreGeographic(c, doc.Customer)
	case domain.RuleCustom:
		c, err := ParseCustom(r.Conditions)
		if err != nil {
			reason = err.Error()
			break
		}
		matched, confidence, reason = e.evalCustom(c, doc)
	default:
		reason = "unsupported rule type " + string(r.RuleType)
	}

	m.Matched = matched
	m.Confidence = clamp01(confidence)
	m.Reason = reason
	return m
}

// Select evaluates every active rule and returns the matches ranked by
// (priority desc, confidence desc). The head is the winning rule. An empty
// result means no distribution policy applies.
func (e *Evaluator) Select(rules []domain.Rule, doc domain.Document) []Match {
	candidates := make([]domain.Rule, 0, len(rules))
	for _, r := range rules {
		if !r.IsActive || r.Deleted() {
			continue
		}
		if r.TenantID != "" && doc.TenantID != "" && r.TenantID != doc.TenantID {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority > candidates[j].Priority
	})

	var matches []Match
	for _, r := range candidates {
		m := e.Evaluate(r, doc)
		if m.Matched {
			matches = append(matches, m)
		}
	}
	Rank(matches)
	return matches
}

// Rank sorts matches by priority desc, then confidence desc. Ties keep input order.
func Rank(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].Confidence > matches[j].Confidence
	})
}

func scoreAmount(c AmountConditions, amount float64) (bool, float64, string) {
	lo, hi := c.MinAmount, c.MaxAmount
	switch {
	case lo == nil && hi == nil:
		return true, DegenerateAmountConfidence, "no amount bounds configured"
	case lo != nil && hi != nil:
		if amount >= *lo && amount <= *hi {
			return true, 1.0, fmt.Sprintf("amount %.2f within range %.2f-%.2f", amount, *lo, *hi)
		}
		return false, 0, fmt.Sprintf("amount %.2f outside range %.2f-%.2f", amount, *lo, *hi)
	case lo != nil:
		if amount < *lo {
			return false, 0, fmt.Sprintf("amount %.2f below minimum %.2f", amount, *lo)
		}
		conf := 1.0
		if *lo > 0 {
			conf = math.Min(1, 0.5+0.5*(amount-*lo)/(*lo))
		}
		return true, conf, fmt.Sprintf("amount %.2f above minimum %.2f", amount, *lo)
	default:
		if amount > *hi {
			return false, 0, fmt.Sprintf("amount %.2f above maximum %.2f", amount, *hi)
		}
		conf := 1.0
		if *hi > 0 {
			conf = math.Min(1, 0.5+0.5*(*hi-amount)/(*hi))
		}
		return true, conf, fmt.Sprintf("amount %.2f below maximum %.2f", amount, *hi)
	}
}

func scoreCustomer(c CustomerConditions, cust domain.Customer) (bool, float64, string) {
	var (
		score   float64
		reasons []string
	)
	if containsFold(c.Segments, cust.Segment) {
		score += 0.4
		reasons = append(reasons, "segment "+cust.Segment)
	}
	if containsFold(c.CustomerTypes, cust.Type) {
		score += 0.4
		reasons = append(reasons, "customer type "+cust.Type)
	}
	if prefersChannel(c.PreferredChannels, cust.PreferredChannel) {
		score += 0.2
		reasons = append(reasons, "preferred channel "+string(cust.PreferredChannel))
	}
	if len(reasons) == 0 {
		return false, 0, "no customer criteria matched"
	}
	return true, math.Min(score, 1), "customer matched: " + strings.Join(reasons, ", ")
}

func scoreIndustry(c IndustryConditions, industry string) (bool, float64, string) {
	if !containsFold(c.Industries, industry) {
		return false, 0, fmt.Sprintf("industry %q not in allow-list", industry)
	}
	conf := 0.8
	reason := "industry " + industry + " allowed"
	for name, level := range c.RiskLevels {
		if !strings.EqualFold(name, industry) {
			continue
		}
		switch strings.ToLower(level) {
		case "low":
			conf += 0.2
		case "high":
			conf -= 0.2
		}
		reason += " (" + strings.ToLower(level) + " risk)"
		break
	}
	return true, clamp01(conf), reason
}

func scoreGeographic(c GeographicConditions, cust domain.Customer) (bool, float64, string) {
	var (
		score   float64
		reasons []string
	)
	if containsFold(c.Countries, cust.Country) {
		score += 0.4
		reasons = append(reasons, "country "+cust.Country)
	}
	if containsFold(c.States, cust.State) {
		score += 0.3
		reasons = append(reasons, "state "+cust.State)
	}
	if containsFold(c.Cities, cust.City) {
		score += 0.2
		reasons = append(reasons, "city "+cust.City)
	}
	if containsFold(c.Regions, cust.Region) {
		score += 0.1
		reasons = append(reasons, "region "+cust.Region)
	}
	if len(reasons) == 0 {
		return false, 0, "no location criteria matched"
	}
	return true, math.Min(score, 1), "location matched: " + strings.Join(reasons, ", ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
