package boundary

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Input is the variable binding for one constraint evaluation.
type Input struct {
	Action    map[string]any
	Payload   map[string]any
	World     map[string]any
	Phase     string
	Timestamp int64
}

// Evaluator compiles and caches constraint expressions. Evaluation is
// read-only over immutable programs and safe to parallelize; the cache
// lock is the only shared state.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator creates a CEL environment with the kernel's evaluation
// variables declared.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.DynType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("world", cel.DynType),
		cel.Variable("phase", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("boundary: cel environment: %w", err)
	}
	return &Evaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile checks an expression and caches its program. Install calls
// this for every constraint so a boundary with an unparseable rule is
// refused before it can ever gate a decision.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Evaluate runs a constraint expression and returns whether the action
// complies. Any evaluation error is surfaced so the kernel can fail
// closed; it is never folded into a boolean.
func (e *Evaluator) Evaluate(expr string, in Input) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"action":    in.Action,
		"payload":   in.Payload,
		"world":     in.World,
		"phase":     in.Phase,
		"timestamp": in.Timestamp,
	})
	if err != nil {
		return false, fmt.Errorf("boundary: eval: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("boundary: expression %q is not boolean", expr)
	}
	return ok, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("boundary: compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("boundary: program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}
