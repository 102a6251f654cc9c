// Package cel compiles the optional CEL conditions attached to policy rules.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Sentinel-Gate/governor/internal/domain/policy"
)

const (
	maxExpressionLength = 1024
	maxNestingDepth     = 50
)

// Limits bound what a single condition may cost.
type Limits struct {
	// Cost is the CEL runtime cost budget per evaluation.
	Cost uint64
	// Timeout bounds one evaluation.
	Timeout time.Duration
	// InterruptEvery is how many comprehension iterations run between
	// cancellation checks.
	InterruptEvery uint
}

// DefaultLimits are applied by NewEvaluator.
var DefaultLimits = Limits{Cost: 100_000, Timeout: 2 * time.Second, InterruptEvery: 100}

// Evaluator turns expressions into Conditions over policy.Input.
type Evaluator struct {
	env    *cel.Env
	limits Limits
}

// NewEvaluator builds an evaluator over the condition environment.
func NewEvaluator() (*Evaluator, error) {
	return NewEvaluatorWithLimits(DefaultLimits)
}

// NewEvaluatorWithLimits is NewEvaluator with explicit limits.
func NewEvaluatorWithLimits(limits Limits) (*Evaluator, error) {
	env, err := NewConditionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("condition environment: %w", err)
	}
	return &Evaluator{env: env, limits: limits}, nil
}

// Condition is a type-checked boolean expression. Safe for concurrent use.
type Condition struct {
	source  string
	program cel.Program
	timeout time.Duration
}

// Source returns the expression text.
func (c *Condition) Source() string { return c.source }

// Match evaluates the condition for in.
func (c *Condition) Match(ctx context.Context, in policy.Input) (bool, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	out, _, err := c.program.ContextEval(ctx, BuildActivation(in))
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.source, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q produced %T", c.source, out.Value())
	}
	return matched, nil
}

// Compile checks size and nesting, then type-checks expr as a bool.
func (e *Evaluator) Compile(expr string) (*Condition, error) {
	switch {
	case expr == "":
		return nil, errors.New("expression is empty")
	case len(expr) > maxExpressionLength:
		return nil, fmt.Errorf("expression is %d bytes, limit is %d", len(expr), maxExpressionLength)
	}
	if depth := nestingDepth(expr); depth > maxNestingDepth {
		return nil, fmt.Errorf("expression nests %d levels, limit is %d", depth, maxNestingDepth)
	}

	ast, iss := e.env.Compile(expr)
	if err := iss.Err(); err != nil {
		return nil, err
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression yields %s, want bool", out)
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(e.limits.Cost),
		cel.InterruptCheckFrequency(e.limits.InterruptEvery),
	)
	if err != nil {
		return nil, fmt.Errorf("plan expression: %w", err)
	}
	return &Condition{source: expr, program: prg, timeout: e.limits.Timeout}, nil
}

// nestingDepth counts the deepest run of open brackets of any kind.
func nestingDepth(expr string) int {
	depth, deepest := 0, 0
	for _, r := range expr {
		switch r {
		case '(', '[', '{':
			depth++
			deepest = max(deepest, depth)
		case ')', ']', '}':
			depth--
		}
	}
	return deepest
}
