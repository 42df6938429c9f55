// File: internal/decision/engine.go
// Package decision evaluates rule conditions and drives the optional finite
// state machine. Conditions are CEL expressions over the per-tick variable
// activation; anything that fails to resolve or evaluate fails closed.
package decision

import (
	"fmt"
	"image/color"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter/functions"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ModerRAS/keyforge/api/schemas"
)

// Engine compiles and evaluates condition expressions. Compiled ASTs are
// cached per expression text; the pixel() helper is bound per evaluation so
// it reads the tick's own frame.
type Engine struct {
	env    *cel.Env
	logger *zap.Logger

	mu   sync.Mutex
	asts map[string]*cel.Ast
}

// NewEngine builds the condition evaluator.
func NewEngine(logger *zap.Logger) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("recognition", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("state", cel.StringType),
		cel.Variable("tick", cel.IntType),
		// pixel(x, y) returns the frame color at a point as "#rrggbb".
		cel.Function("pixel",
			cel.Overload("pixel_int_int", []*cel.Type{cel.IntType, cel.IntType}, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build condition environment: %w", err)
	}
	return &Engine{
		env:    env,
		logger: logger.Named("decision"),
		asts:   make(map[string]*cel.Ast),
	}, nil
}

var _ schemas.ConditionEvaluator = (*Engine)(nil)

// compile returns the cached AST for expr, compiling on first use.
func (e *Engine) compile(expr string) (*cel.Ast, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ast, ok := e.asts[expr]; ok {
		return ast, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	e.asts[expr] = ast
	return ast, nil
}

// Check compiles an expression without evaluating it, so rule files can be
// linted before a run.
func (e *Engine) Check(expr string) error {
	if expr == "" {
		return fmt.Errorf("empty condition expression")
	}
	if _, err := e.compile(expr); err != nil {
		return fmt.Errorf("condition %q failed to compile: %w", expr, err)
	}
	return nil
}

// EvalCondition implements schemas.ConditionEvaluator. A compile error, a
// runtime error (including an unresolved variable or map key) or a non-bool
// result all yield (false, err): the caller treats the condition as not
// matched and the rule/guard is skipped.
func (e *Engine) EvalCondition(expr string, exCtx *schemas.ExecutionContext) (bool, error) {
	if expr == "" {
		return false, fmt.Errorf("empty condition expression")
	}
	ast, err := e.compile(expr)
	if err != nil {
		return false, fmt.Errorf("condition %q failed to compile: %w", expr, err)
	}

	prg, err := e.env.Program(ast, cel.Functions(&functions.Overload{
		Operator: "pixel_int_int",
		Binary:   pixelProbe(exCtx),
	}))
	if err != nil {
		return false, fmt.Errorf("condition %q failed to build: %w", expr, err)
	}

	out, _, err := prg.Eval(activation(exCtx))
	if err != nil {
		return false, fmt.Errorf("condition %q failed to evaluate: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", expr, out.Value())
	}
	return b, nil
}

// activation builds the CEL variable table from the execution context.
func activation(exCtx *schemas.ExecutionContext) map[string]any {
	recs := make(map[string]any, len(exCtx.Recognitions))
	for name, r := range exCtx.Recognitions {
		recs[name] = map[string]any{
			"matched":    r.Matched(),
			"status":     string(r.Status),
			"confidence": r.Confidence,
			"x":          int64(r.Location.X),
			"y":          int64(r.Location.Y),
		}
	}
	vars := exCtx.Vars
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"vars":        vars,
		"recognition": recs,
		"state":       exCtx.State,
		"tick":        int64(exCtx.TickID),
	}
}

// pixelProbe binds the pixel(x, y) helper to the tick's frame.
func pixelProbe(exCtx *schemas.ExecutionContext) func(ref.Val, ref.Val) ref.Val {
	return func(xv, yv ref.Val) ref.Val {
		x, okX := xv.Value().(int64)
		y, okY := yv.Value().(int64)
		if !okX || !okY {
			return types.NewErr("pixel() arguments must be integers")
		}
		if exCtx.Frame == nil {
			return types.NewErr("pixel(%d, %d): no frame captured this tick", x, y)
		}
		bounds := exCtx.Frame.Bounds()
		px, py := int(x), int(y)
		if px < bounds.Min.X || px >= bounds.Max.X || py < bounds.Min.Y || py >= bounds.Max.Y {
			return types.NewErr("pixel(%d, %d): outside captured region", x, y)
		}
		c := color.RGBAModel.Convert(exCtx.Frame.At(px, py)).(color.RGBA)
		return types.String(fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B))
	}
}

// Evaluate runs a single rule. A matched condition selects the then
// sequence; an unmatched one selects the else sequence when the rule carries
// one. Evaluation failures fail closed.
func (e *Engine) Evaluate(rule schemas.DecisionRule, exCtx *schemas.ExecutionContext) schemas.DecisionResult {
	matched, err := e.EvalCondition(rule.Condition, exCtx)
	if err != nil {
		e.logger.Warn("Rule condition failed closed",
			zap.String("rule", rule.Name),
			zap.Error(err),
		)
		return schemas.DecisionResult{Matched: false, RuleID: rule.ID, RuleName: rule.Name}
	}
	result := schemas.DecisionResult{Matched: matched, RuleID: rule.ID, RuleName: rule.Name}
	if matched {
		result.SequenceID = rule.ThenSequenceID
	} else if rule.ElseSequenceID != uuid.Nil {
		result.SequenceID = rule.ElseSequenceID
	}
	return result
}

// EvaluateAll fires enabled rules in ascending priority order and returns
// the first match; at most one rule's sequence executes per tick
// (first-match-wins, for determinism). Ties on priority break by rule name.
func (e *Engine) EvaluateAll(rules []schemas.DecisionRule, exCtx *schemas.ExecutionContext) schemas.DecisionResult {
	ordered := make([]schemas.DecisionRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Name < ordered[j].Name
	})

	for _, rule := range ordered {
		matched, err := e.EvalCondition(rule.Condition, exCtx)
		if err != nil {
			e.logger.Warn("Rule condition failed closed; rule skipped",
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			continue
		}
		if matched {
			return schemas.DecisionResult{
				Matched:    true,
				RuleID:     rule.ID,
				RuleName:   rule.Name,
				SequenceID: rule.ThenSequenceID,
			}
		}
	}
	return schemas.DecisionResult{Matched: false}
}
