// Package rules provides the CEL-Go based condition engine used by discounts and escalations.
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// Kind selects the variable environment an expression is compiled against.
type Kind string

const (
	// KindDiscount expressions gate ContractDiscount entries.
	KindDiscount Kind = "discount"

	// KindEscalation expressions trigger EscalationRule obligations.
	KindEscalation Kind = "escalation"
)

// Engine compiles and evaluates boolean CEL conditions. Compiled programs are
// cached by expression and are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	envs     map[Kind]*cel.Env
	programs map[string]cel.Program
}

// NewEngine creates a condition engine with the discount and escalation environments.
func NewEngine() (*Engine, error) {
	discountEnv, err := cel.NewEnv(
		cel.Variable("total_volume", cel.DoubleType),
		cel.Variable("pickup_count", cel.IntType),
		cel.Variable("base_charge", cel.IntType),
		cel.Variable("running_total", cel.IntType),
		cel.Variable("frequency", cel.StringType),
		cel.Variable("period", cel.StringType),
		cel.Variable("volumes", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discount CEL environment: %w", err)
	}

	escalationEnv, err := cel.NewEnv(
		cel.Variable("breaches", cel.ListType(cel.StringType)),
		cel.Variable("late_minutes", cel.IntType),
		cel.Variable("response_minutes", cel.IntType),
		cel.Variable("status", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("quality_issue", cel.BoolType),
		cel.Variable("penalty_amount", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation CEL environment: %w", err)
	}

	return &Engine{
		envs: map[Kind]*cel.Env{
			KindDiscount:   discountEnv,
			KindEscalation: escalationEnv,
		},
		programs: make(map[string]cel.Program),
	}, nil
}

// Validate compiles an expression without evaluating it.
func (e *Engine) Validate(kind Kind, expr string) error {
	if expr == "" {
		return nil
	}
	_, err := e.program(kind, expr)
	return err
}

// Eval evaluates expr against vars. An empty expression is always true.
func (e *Engine) Eval(kind Kind, expr string, vars map[string]any) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prg, err := e.program(kind, expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluation error in %q: %w", expr, err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %s, want bool", expr, out.Type())
	}
	return bool(b), nil
}

// Cached returns the number of compiled programs held by the engine.
func (e *Engine) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.programs)
}

func (e *Engine) program(kind Kind, expr string) (cel.Program, error) {
	key := string(kind) + "\x00" + expr

	e.mu.RLock()
	prg, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, ok := e.envs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown condition kind %q", kind)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile %s condition %q: %w", kind, expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%s condition %q must return bool, got %s", kind, expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[key] = prg
	e.mu.Unlock()

	return prg, nil
}
