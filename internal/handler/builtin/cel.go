// Package builtin implements the small set of reference NodeHandlers
// enumerated in SPEC_FULL.md §4.9, used to exercise the NodeHandler
// contract end to end and to satisfy the testable-property scenarios.
package builtin

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator compiles and caches CEL programs for condition/switch/loop
// boolean expressions. Grounded verbatim on
// cmd/workflow-runner/condition/evaluator.go's Evaluator: a cel.Env with
// `output`/`ctx` dyn variables, a mutex-guarded program cache keyed by
// expression text, and a bool-result requirement.
type celEvaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
	env   *cel.Env
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *celEvaluator) evalBool(expr string, output, ctx interface{}) (bool, error) {
	prg, err := e.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]interface{}{"output": output, "ctx": ctx})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a bool", expr)
	}
	return b, nil
}

func (e *celEvaluator) compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expr]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program for %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}
