// Package exprlang is the production ExpressionEvaluator, backed by
// github.com/expr-lang/expr. Compiled programs are cached per expression
// string, and a missing identifier evaluates to null instead of failing.
package exprlang

import (
	"context"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

// Evaluator is the expr-lang-backed ExpressionEvaluator. The zero value is
// not usable; construct with New.
type Evaluator struct {
	mu            sync.RWMutex
	compiledCache map[string]*vm.Program
	log           zerolog.Logger
}

func New(log zerolog.Logger) *Evaluator {
	return &Evaluator{
		compiledCache: make(map[string]*vm.Program),
		log:           log.With().Str("component", "exprlang").Logger(),
	}
}

var _ ports.ExpressionEvaluator = (*Evaluator)(nil)

// Evaluate compiles (or reuses a cached compilation of) expr and runs it
// against vars. A missing identifier is folded into a successful nil
// result rather than a failure.
func (e *Evaluator) Evaluate(ctx context.Context, fexpr domain.FeelExpression, vars map[string]any) ports.EvalResult {
	raw := strings.TrimSpace(string(fexpr))
	if raw == "" {
		return ports.EvalResult{Success: false, Err: domain.NewDomainError(domain.ErrCodeInvalidInput, "expression is empty", nil)}
	}

	program, err := e.getCompiledProgram(raw)
	if err != nil {
		return ports.EvalResult{Success: false, Err: err}
	}

	result, err := expr.Run(program, normalizeVariables(vars))
	if err != nil {
		if isMissingIdentifier(err.Error()) {
			e.log.Debug().Str("expr", raw).Err(err).Msg("missing identifier treated as null")
			return ports.EvalResult{Success: true, Result: nil}
		}
		return ports.EvalResult{Success: false, Err: domain.NewDomainError(domain.ErrCodeEvaluationError, "failed to evaluate expression", err)}
	}

	return ports.EvalResult{Success: true, Result: result}
}

// EvaluateBool is a convenience for guard-condition callers: a nil or
// non-boolean result is treated as false rather than an error, so a null
// comparison never traverses an edge.
func (e *Evaluator) EvaluateBool(ctx context.Context, fexpr domain.FeelExpression, vars map[string]any) (bool, error) {
	res := e.Evaluate(ctx, fexpr, vars)
	if !res.Success {
		return false, res.Err
	}
	b, ok := res.Result.(bool)
	if !ok {
		return false, nil
	}
	return b, nil
}

func (e *Evaluator) getCompiledProgram(raw string) (*vm.Program, error) {
	e.mu.RLock()
	program, cached := e.compiledCache[raw]
	e.mu.RUnlock()
	if cached {
		return program, nil
	}

	compiled, err := expr.Compile(raw, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidInput, "failed to compile expression '"+raw+"'", err)
	}

	e.mu.Lock()
	e.compiledCache[raw] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// isMissingIdentifier recognizes the expr-lang error shapes produced when
// an identifier is absent from the environment.
func isMissingIdentifier(msg string) bool {
	patterns := []string{"cannot fetch", "undefined", "unknown name", "nil pointer", "not found"}
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func normalizeVariables(vars map[string]any) map[string]any {
	normalized := make(map[string]any, len(vars))
	for k, v := range vars {
		normalized[k] = normalizeValue(v)
	}
	return normalized
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
