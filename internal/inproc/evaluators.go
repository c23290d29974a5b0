// Package inproc carries the in-process RuleEvaluator and PolicyEvaluator:
// decision tables and policies registered as Go functions. Production
// deployments swap in a real decision engine behind the same ports; the
// core never knows the difference.
package inproc

import (
	"context"
	"sync"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

// RuleFunc computes one decision table's named outputs.
type RuleFunc func(vars map[string]any) (map[string]any, error)

// RuleEvaluator dispatches rule ids to registered RuleFuncs. An unknown
// rule id evaluates to an error result, which the Node Evaluator absorbs
// as a blocking condition rather than an instance failure.
type RuleEvaluator struct {
	mu    sync.RWMutex
	rules map[string]RuleFunc
}

func NewRuleEvaluator() *RuleEvaluator {
	return &RuleEvaluator{rules: make(map[string]RuleFunc)}
}

var _ ports.RuleEvaluator = (*RuleEvaluator)(nil)

func (e *RuleEvaluator) Register(ruleID string, fn RuleFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[ruleID] = fn
}

func (e *RuleEvaluator) Evaluate(ctx context.Context, ruleID string, vars map[string]any) ports.RuleResult {
	e.mu.RLock()
	fn, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return ports.RuleResult{RuleID: ruleID, Err: domain.NewDomainError(domain.ErrCodeNotFound, "rule "+ruleID+" is not registered", nil)}
	}
	outputs, err := fn(vars)
	if err != nil {
		return ports.RuleResult{RuleID: ruleID, Err: domain.NewDomainError(domain.ErrCodeEvaluationError, "rule "+ruleID+" failed", err)}
	}
	return ports.RuleResult{RuleID: ruleID, Outputs: outputs}
}

// PolicyFunc computes one policy decision.
type PolicyFunc func(vars map[string]any) ports.PolicyResult

// PolicyEvaluator dispatches policy ids to registered PolicyFuncs. An
// unknown policy id yields NOT_APPLICABLE, which never blocks.
type PolicyEvaluator struct {
	mu       sync.RWMutex
	policies map[string]PolicyFunc
}

func NewPolicyEvaluator() *PolicyEvaluator {
	return &PolicyEvaluator{policies: make(map[string]PolicyFunc)}
}

var _ ports.PolicyEvaluator = (*PolicyEvaluator)(nil)

func (e *PolicyEvaluator) Register(policyID string, fn PolicyFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policyID] = fn
}

func (e *PolicyEvaluator) Evaluate(ctx context.Context, policyID string, vars map[string]any) ports.PolicyResult {
	e.mu.RLock()
	fn, ok := e.policies[policyID]
	e.mu.RUnlock()
	if !ok {
		return ports.PolicyResult{PolicyID: policyID, Outcome: domain.PolicyNotApplicable, Details: "policy not registered"}
	}
	res := fn(vars)
	res.PolicyID = policyID
	return res
}
