package rules

import (
	"encoding/json"
	"fmt"
	"time"

	"distributor/internal/domain"

	"github.com/google/cel-go/cel"
)

const (
	defaultCostLimit        = 10_000
	defaultProgramCacheSize = 256
)

// newCustomEnv declares the only variables a custom expression may reference.
// No functions beyond the CEL standard library are registered.
func newCustomEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("document", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("customer", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("dueDate", cel.TimestampType),
		cel.Variable("daysUntilDue", cel.IntType),
	)
}

// compileCustom type-checks an expression and builds a cost-limited program.
func (e *Evaluator) compileCustom(expr string) (cel.Program, error) {
	if cached, ok := e.programs.Get(expr); ok {
		return cached, nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", iss.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
	}
	prg, err := e.env.Program(ast, cel.CostLimit(e.opts.CustomCostLimit))
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}
	e.programs.Add(expr, prg)
	return prg, nil
}

// customVars builds the restricted variable context for a document.
func (e *Evaluator) customVars(doc domain.Document) map[string]any {
	days := int64(0)
	if !doc.DueDate.IsZero() {
		days = int64(doc.DueDate.Sub(e.opts.Now()).Hours() / 24)
	}
	return map[string]any{
		"document":     asMap(doc),
		"customer":     asMap(doc.Customer),
		"amount":       doc.Amount,
		"dueDate":      doc.DueDate,
		"daysUntilDue": days,
	}
}

// evalCustom runs the expression. Any failure yields a non-match.
func (e *Evaluator) evalCustom(c CustomConditions, doc domain.Document) (bool, float64, string) {
	prg, err := e.compileCustom(c.Expression)
	if err != nil {
		e.logger.Warn("custom rule expression rejected", "expression", c.Expression, "err", err)
		return false, 0, "expression error: " + err.Error()
	}
	out, _, err := prg.Eval(e.customVars(doc))
	if err != nil {
		e.logger.Warn("custom rule evaluation failed", "expression", c.Expression, "err", err)
		return false, 0, "expression error: " + err.Error()
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, 0, fmt.Sprintf("expression returned %T, not bool", out.Value())
	}
	if b {
		return true, 0.8, "custom expression matched"
	}
	return false, 0.2, "custom expression not matched"
}

// asMap converts a struct to the JSON-shaped map exposed to expressions.
func asMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func systemNow() time.Time { return time.Now() }
