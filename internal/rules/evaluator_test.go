package rules

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"distributor/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEvaluator(t *testing.T, opts Options) *Evaluator {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	e, err := NewEvaluator(opts)
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e
}

func rule(id string, typ domain.RuleType, ch domain.Channel, priority int, cond string) domain.Rule {
	return domain.Rule{
		ID:            id,
		TenantID:      "acme",
		Name:          id,
		RuleType:      typ,
		Conditions:    json.RawMessage(cond),
		TargetChannel: ch,
		Priority:      priority,
		IsActive:      true,
	}
}

func doc(amount float64) domain.Document {
	return domain.Document{
		ID:       "inv-1",
		TenantID: "acme",
		Amount:   amount,
		Customer: domain.Customer{
			ID:               "cust-1",
			Segment:          "enterprise",
			Type:             "B2B",
			PreferredChannel: domain.ChannelChat,
			Industry:         "Manufacturing",
			Country:          "MX",
			State:            "Jalisco",
			City:             "Guadalajara",
			Region:           "west",
		},
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestSelect_PriorityWins(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	low := rule("low", domain.RuleAmount, domain.ChannelSMS, 30, `{"minAmount":0,"maxAmount":100000}`)
	high := rule("high", domain.RuleAmount, domain.ChannelEmail, 90, `{"minAmount":20000}`)

	matches := e.Select([]domain.Rule{low, high}, doc(25000))
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].RuleID != "high" {
		t.Fatalf("expected high-priority rule first, got %s", matches[0].RuleID)
	}
	if matches[0].TargetChannel != domain.ChannelEmail {
		t.Errorf("expected email, got %s", matches[0].TargetChannel)
	}
}

func TestSelect_ConfidenceBreaksPriorityTie(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	weak := rule("weak", domain.RuleGeographic, domain.ChannelPostal, 50, `{"regions":["west"]}`)
	strong := rule("strong", domain.RuleAmount, domain.ChannelEmail, 50, `{"minAmount":1000,"maxAmount":50000}`)

	matches := e.Select([]domain.Rule{weak, strong}, doc(25000))
	if len(matches) != 2 || matches[0].RuleID != "strong" {
		t.Fatalf("expected strong rule first, got %+v", matches)
	}
}

func TestSelect_SkipsInactiveDeletedAndForeignRules(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	inactive := rule("inactive", domain.RuleAmount, domain.ChannelEmail, 99, `{"minAmount":1}`)
	inactive.IsActive = false
	deleted := rule("deleted", domain.RuleAmount, domain.ChannelEmail, 98, `{"minAmount":1}`)
	now := time.Now()
	deleted.DeletedAt = &now
	foreign := rule("foreign", domain.RuleAmount, domain.ChannelEmail, 97, `{"minAmount":1}`)
	foreign.TenantID = "other"

	matches := e.Select([]domain.Rule{inactive, deleted, foreign}, doc(500))
	if len(matches) != 0 {
		t.Fatalf("expected no matches, got %+v", matches)
	}
}

func TestEvaluate_Amount(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	tests := []struct {
		name    string
		cond    string
		amount  float64
		matched bool
		conf    float64
	}{
		{"in range", `{"minAmount":10000,"maxAmount":50000}`, 25000, true, 1.0},
		{"below range", `{"minAmount":1000,"maxAmount":5000}`, 500, false, 0},
		{"below minimum", `{"minAmount":100000}`, 5000, false, 0},
		{"above minimum", `{"minAmount":1000}`, 1500, true, 0.75},
		{"far above minimum", `{"minAmount":1000}`, 9000, true, 1.0},
		{"below maximum", `{"maxAmount":1000}`, 500, true, 0.75},
		{"above maximum", `{"maxAmount":1000}`, 1500, false, 0},
		{"no bounds", `{}`, 42, true, DegenerateAmountConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := e.Evaluate(rule("r", domain.RuleAmount, domain.ChannelEmail, 1, tt.cond), doc(tt.amount))
			if m.Matched != tt.matched {
				t.Fatalf("matched = %v, want %v (%s)", m.Matched, tt.matched, m.Reason)
			}
			if !approx(m.Confidence, tt.conf) {
				t.Errorf("confidence = %v, want %v", m.Confidence, tt.conf)
			}
		})
	}
}

func TestEvaluate_Customer(t *testing.T) {
	e := newTestEvaluator(t, Options{})

	m := e.Evaluate(rule("c", domain.RuleCustomer, domain.ChannelChat, 1,
		`{"segments":["Enterprise"],"customerTypes":["b2b"],"preferredChannels":["whatsapp"]}`), doc(10))
	if !m.Matched || !approx(m.Confidence, 1.0) {
		t.Fatalf("expected full customer match, got %+v", m)
	}

	m = e.Evaluate(rule("c", domain.RuleCustomer, domain.ChannelChat, 1, `{"segments":["enterprise"]}`), doc(10))
	if !m.Matched || !approx(m.Confidence, 0.4) {
		t.Fatalf("expected segment-only match at 0.4, got %+v", m)
	}

	m = e.Evaluate(rule("c", domain.RuleCustomer, domain.ChannelChat, 1, `{"segments":["smb"]}`), doc(10))
	if m.Matched {
		t.Fatalf("expected no match, got %+v", m)
	}
}

func TestEvaluate_Industry(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	tests := []struct {
		cond string
		conf float64
	}{
		{`{"industries":["manufacturing"]}`, 0.8},
		{`{"industries":["manufacturing"],"riskLevels":{"Manufacturing":"low"}}`, 1.0},
		{`{"industries":["manufacturing"],"riskLevels":{"manufacturing":"high"}}`, 0.6},
		{`{"industries":["manufacturing"],"riskLevels":{"manufacturing":"medium"}}`, 0.8},
	}
	for _, tt := range tests {
		m := e.Evaluate(rule("i", domain.RuleIndustry, domain.ChannelEDI, 1, tt.cond), doc(10))
		if !m.Matched || !approx(m.Confidence, tt.conf) {
			t.Errorf("%s: got %+v, want confidence %v", tt.cond, m, tt.conf)
		}
	}

	m := e.Evaluate(rule("i", domain.RuleIndustry, domain.ChannelEDI, 1, `{"industries":["retail"]}`), doc(10))
	if m.Matched {
		t.Fatalf("expected no match for retail, got %+v", m)
	}
}

func TestEvaluate_Geographic(t *testing.T) {
	e := newTestEvaluator(t, Options{})

	m := e.Evaluate(rule("g", domain.RuleGeographic, domain.ChannelPostal, 1,
		`{"countries":["mx"],"cities":["Guadalajara"]}`), doc(10))
	if !m.Matched || !approx(m.Confidence, 0.6) {
		t.Fatalf("expected 0.6, got %+v", m)
	}

	m = e.Evaluate(rule("g", domain.RuleGeographic, domain.ChannelPostal, 1,
		`{"countries":["MX"],"states":["jalisco"],"cities":["guadalajara"],"regions":["WEST"]}`), doc(10))
	if !m.Matched || !approx(m.Confidence, 1.0) {
		t.Fatalf("expected 1.0, got %+v", m)
	}

	m = e.Evaluate(rule("g", domain.RuleGeographic, domain.ChannelPostal, 1, `{"countries":["US"]}`), doc(10))
	if m.Matched {
		t.Fatalf("expected no match, got %+v", m)
	}
}

func TestEvaluate_Custom(t *testing.T) {
	e := newTestEvaluator(t, Options{})

	m := e.Evaluate(rule("x", domain.RuleCustom, domain.ChannelEmail, 1,
		`{"expression":"amount > 1000.0 && customer.segment == 'enterprise'"}`), doc(5000))
	if !m.Matched || !approx(m.Confidence, 0.8) {
		t.Fatalf("expected custom match at 0.8, got %+v", m)
	}

	m = e.Evaluate(rule("x", domain.RuleCustom, domain.ChannelEmail, 1,
		`{"expression":"amount > 1000.0"}`), doc(10))
	if m.Matched || !approx(m.Confidence, 0.2) {
		t.Fatalf("expected non-match at 0.2, got %+v", m)
	}

	// Runtime error: missing map key.
	m = e.Evaluate(rule("x", domain.RuleCustom, domain.ChannelEmail, 1,
		`{"expression":"customer.nonexistent == 'x'"}`), doc(10))
	if m.Matched || m.Confidence != 0 {
		t.Fatalf("expected error to yield non-match at 0, got %+v", m)
	}
}

func TestCompileCustom_BoundedCacheAndBoolOutput(t *testing.T) {
	e := newTestEvaluator(t, Options{ProgramCacheSize: 2})
	for _, expr := range []string{"amount > 1.0", "amount > 2.0", "amount > 3.0", "amount > 1.0"} {
		if _, err := e.compileCustom(expr); err != nil {
			t.Fatalf("compile %q: %v", expr, err)
		}
	}
	if n := e.programs.Len(); n != 2 {
		t.Errorf("cached programs = %d, want 2", n)
	}
	if _, err := e.compileCustom("amount + 1.0"); err == nil {
		t.Error("non-bool expression accepted")
	}
	if _, err := e.compileCustom("customer.segment == 'x'"); err != nil {
		t.Errorf("bool comparison on dyn rejected: %v", err)
	}
}

func TestEvaluate_CustomDaysUntilDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEvaluator(t, Options{Now: func() time.Time { return now }})
	d := doc(10)
	d.DueDate = now.Add(72 * time.Hour)

	m := e.Evaluate(rule("x", domain.RuleCustom, domain.ChannelSMS, 1,
		`{"expression":"daysUntilDue <= 3"}`), d)
	if !m.Matched {
		t.Fatalf("expected match, got %+v", m)
	}
}

func TestEvaluate_MalformedConditionsDoNotMatch(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	m := e.Evaluate(rule("bad", domain.RuleAmount, domain.ChannelEmail, 1, `{"minAmount":"lots"}`), doc(10))
	if m.Matched {
		t.Fatalf("expected malformed rule not to match, got %+v", m)
	}
	if m.Reason == "" {
		t.Error("expected a reason for the failed parse")
	}
}

func TestValidateRule(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	strict := newTestEvaluator(t, Options{RejectUnboundedAmountRules: true})

	tests := []struct {
		name    string
		ev      *Evaluator
		rule    domain.Rule
		wantErr bool
	}{
		{"valid amount", e, rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{"minAmount":10}`), false},
		{"min above max", e, rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{"minAmount":10,"maxAmount":5}`), true},
		{"negative amount", e, rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{"minAmount":-1}`), true},
		{"unbounded allowed", e, rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{}`), false},
		{"unbounded rejected", strict, rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{}`), true},
		{"unknown field", e, rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{"minimum":1}`), true},
		{"empty customer", e, rule("c", domain.RuleCustomer, domain.ChannelEmail, 1, `{}`), true},
		{"bad preferred channel", e, rule("c", domain.RuleCustomer, domain.ChannelEmail, 1, `{"preferredChannels":["fax"]}`), true},
		{"bad risk level", e, rule("i", domain.RuleIndustry, domain.ChannelEmail, 1, `{"industries":["x"],"riskLevels":{"x":"extreme"}}`), true},
		{"empty geographic", e, rule("g", domain.RuleGeographic, domain.ChannelEmail, 1, `{}`), true},
		{"custom syntax error", e, rule("x", domain.RuleCustom, domain.ChannelEmail, 1, `{"expression":"amount >"}`), true},
		{"custom non-bool", e, rule("x", domain.RuleCustom, domain.ChannelEmail, 1, `{"expression":"amount + 1.0"}`), true},
		{"custom unknown variable", e, rule("x", domain.RuleCustom, domain.ChannelEmail, 1, `{"expression":"secret == 1"}`), true},
		{"custom valid", e, rule("x", domain.RuleCustom, domain.ChannelEmail, 1, `{"expression":"amount > 10.0"}`), false},
		{"bad channel", e, rule("a", domain.RuleAmount, domain.Channel("fax"), 1, `{"minAmount":1}`), true},
		{"bad type", e, rule("a", domain.RuleType("weather"), domain.ChannelEmail, 1, `{}`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.ValidateRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestValidateRule_RequiresNameAndTenant(t *testing.T) {
	e := newTestEvaluator(t, Options{})
	r := rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{"minAmount":1}`)
	r.Name = " "
	if err := e.ValidateRule(r); err == nil {
		t.Fatal("expected error for blank name")
	}
	r = rule("a", domain.RuleAmount, domain.ChannelEmail, 1, `{"minAmount":1}`)
	r.TenantID = ""
	if err := e.ValidateRule(r); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}
