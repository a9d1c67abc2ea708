// Package expr evaluates the small boolean/arithmetic expressions used
// by step conditions, while/until loops and custom checks.
//
// Evaluation is delegated to expr-lang/expr against a whitelisted
// environment: the VU context fields plus a helpers table. Programs
// are compiled once and cached, since the same condition string is
// evaluated by every VU on every iteration.
package expr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and caches expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// helpers is the function whitelist available inside expressions.
var helpers = map[string]interface{}{
	"len": func(v interface{}) int {
		switch vv := v.(type) {
		case string:
			return len(vv)
		case []interface{}:
			return len(vv)
		case map[string]interface{}:
			return len(vv)
		default:
			return 0
		}
	},
	"contains": strings.Contains,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
}

// Bool evaluates source against env and coerces the result to a
// boolean. Numbers are truthy when non-zero, strings when non-empty.
func (e *Evaluator) Bool(source string, env map[string]interface{}) (bool, error) {
	out, err := e.Eval(source, env)
	if err != nil {
		return false, err
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned non-boolean %T", source, out)
	}
}

// Eval evaluates source against env and returns the raw result.
func (e *Evaluator) Eval(source string, env map[string]interface{}) (interface{}, error) {
	prog, err := e.compile(source)
	if err != nil {
		return nil, err
	}
	full := make(map[string]interface{}, len(env)+len(helpers))
	for k, v := range helpers {
		full[k] = v
	}
	for k, v := range env {
		full[k] = v
	}
	out, err := expr.Run(prog, full)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", source, err)
	}
	return out, nil
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.cache[source]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling expression %q: %w", source, err)
	}

	e.mu.Lock()
	e.cache[source] = prog
	e.mu.Unlock()
	return prog, nil
}
