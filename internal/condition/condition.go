// Package condition evaluates stage `when` expressions against run metadata.
package condition

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/bgricker/conveyor/internal/runctx"
)

// ErrEvaluation is the kind of every condition failure.
var ErrEvaluation = errors.New("condition evaluation error")

// EvaluationError reports a condition that could not be compiled or run.
type EvaluationError struct {
	Expr string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate condition %q: %v", e.Expr, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *EvaluationError) Unwrap() []error {
	return []error{ErrEvaluation, e.Err}
}

// Evaluator compiles conditions once and evaluates them per run.
type Evaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewEvaluator returns an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{programs: map[string]*vm.Program{}}
}

// Env builds the variables visible to conditions.
func Env(rc *runctx.RunContext) map[string]any {
	env := map[string]any{
		"branch":   "",
		"run_id":   "",
		"pipeline": "",
		"params":   map[string]string{},
	}
	if rc == nil {
		return env
	}
	params := rc.Params
	if params == nil {
		params = map[string]string{}
	}
	env["branch"] = rc.Branch
	env["run_id"] = rc.ID
	env["pipeline"] = rc.Pipeline
	env["params"] = params
	return env
}

// Evaluate reports whether input holds for rc. An empty condition is true.
func (e *Evaluator) Evaluate(input string, rc *runctx.RunContext) (bool, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return true, nil
	}
	env := Env(rc)
	program, err := e.compile(input, env)
	if err != nil {
		return false, &EvaluationError{Expr: input, Err: err}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, &EvaluationError{Expr: input, Err: err}
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, &EvaluationError{Expr: input, Err: fmt.Errorf("result %T is not a bool", out)}
	}
	return ok, nil
}

// Check compiles input without evaluating it.
func (e *Evaluator) Check(input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if _, err := e.compile(input, Env(nil)); err != nil {
		return &EvaluationError{Expr: input, Err: err}
	}
	return nil
}

func (e *Evaluator) compile(input string, env map[string]any) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.programs == nil {
		e.programs = map[string]*vm.Program{}
	}
	if p, ok := e.programs[input]; ok {
		return p, nil
	}
	p, err := expr.Compile(input, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.programs[input] = p
	return p, nil
}
