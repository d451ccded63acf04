package decision

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/uuid"
)

// EmbeddedBackend evaluates decisions in-process with CEL. Rule sets
// are registered under a policy path; a request may instead carry an
// inline expression in Query. Compiled programs are cached.
type EmbeddedBackend struct {
	env      *cel.Env
	mu       sync.RWMutex
	policies map[string]string      // policy path -> CEL expression
	programs map[string]cel.Program // expression -> compiled program
}

// NewEmbedded creates the in-process evaluator. The environment
// exposes the request payload as the dynamic variable `input`.
func NewEmbedded() (*EmbeddedBackend, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("decision: cel environment: %w", err)
	}
	return &EmbeddedBackend{
		env:      env,
		policies: make(map[string]string),
		programs: make(map[string]cel.Program),
	}, nil
}

// RegisterPolicy binds a CEL expression to a policy path. Re-registering
// a path replaces the expression; the stale program stays in the
// compile cache keyed by its expression text, which is harmless.
func (e *EmbeddedBackend) RegisterPolicy(path, expression string) {
	e.mu.Lock()
	e.policies[path] = expression
	e.mu.Unlock()
}

// Name identifies the backend in logs and explanations.
func (e *EmbeddedBackend) Name() string { return "embedded" }

// Evaluate resolves the rule expression for the request and runs it
// against the input. Unknown policy paths and evaluation failures are
// carried in Response.Error, never raised.
func (e *EmbeddedBackend) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	resp := &Response{DecisionID: uuid.NewString()}

	expr := req.Query
	if expr == "" {
		e.mu.RLock()
		expr = e.policies[req.PolicyPath]
		e.mu.RUnlock()
	}
	if expr == "" {
		resp.Error = fmt.Sprintf("no rule registered for policy path %q", req.PolicyPath)
		return resp, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		resp.Error = err.Error()
		return resp, nil
	}

	input := map[string]any{"input": req.InputData}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		resp.Error = fmt.Sprintf("evaluation failed: %v", err)
		return resp, nil
	}

	resp.Result = nativeValue(out)
	if req.Explain {
		resp.Explanation = map[string]any{
			"backend":     e.Name(),
			"expression":  expr,
			"policy_path": req.PolicyPath,
		}
	}
	return resp, nil
}

// nativeValue converts a CEL result to plain Go values so map and list
// results come back as map[string]any / []any rather than ref.Val
// containers.
func nativeValue(v ref.Val) any {
	switch v.(type) {
	case traits.Mapper:
		if native, err := v.ConvertToNative(reflect.TypeOf(map[string]any{})); err == nil {
			return native
		}
	case traits.Lister:
		if native, err := v.ConvertToNative(reflect.TypeOf([]any{})); err == nil {
			return native
		}
	}
	return v.Value()
}

// program returns the compiled program for expr, compiling under a
// double-checked write lock on first use.
func (e *EmbeddedBackend) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule compile failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("rule program failed: %w", err)
	}
	e.programs[expr] = prg
	return prg, nil
}
