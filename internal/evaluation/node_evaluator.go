// Package evaluation decides node availability and edge traversability:
// a short-circuit precondition/policy/rule pipeline for nodes and a
// guard-condition check for edges, both producing full evaluation records
// for tracing.
package evaluation

import (
	"context"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

// NodeEvaluation reports whether the node is available, which
// pipeline stages passed, and the policy/rule results of the stages that
// ran. Once preconditions pass, every policy gate is evaluated and
// recorded; stages after a failing stage do not run and leave no results.
type NodeEvaluation struct {
	NodeID              string
	Available           bool
	PreconditionsPassed bool
	PoliciesPassed      bool
	PolicyResults       []ports.PolicyResult
	// PolicyOutcomesByGate maps a node's PolicyGateRef.ID (not the
	// underlying PolicyID) to the outcome observed, since edge guard
	// conditions reference gates by that id.
	PolicyOutcomesByGate map[string]domain.PolicyOutcome
	RuleResults          []ports.RuleResult
	RuleOutputs          map[string]any
	BlockedReason        string
}

// NodeEvaluator runs the short-circuit availability pipeline.
type NodeEvaluator struct {
	Expr   ports.ExpressionEvaluator
	Rules  ports.RuleEvaluator
	Policy ports.PolicyEvaluator
}

func New(expr ports.ExpressionEvaluator, rules ports.RuleEvaluator, policy ports.PolicyEvaluator) *NodeEvaluator {
	return &NodeEvaluator{Expr: expr, Rules: rules, Policy: policy}
}

func boolResult(r ports.EvalResult) bool {
	if !r.Success {
		return false
	}
	b, ok := r.Result.(bool)
	return ok && b
}

// Evaluate runs: (1) client preconditions, (2) domain preconditions,
// (3) policy gates, (4) business rules, short-circuiting on the first
// stage that fails. Within the policy stage every gate is evaluated before
// a block is reported, so PolicyResults is complete; the rule stage stops
// at the first rule that returns an error.
func (ne *NodeEvaluator) Evaluate(ctx context.Context, node domain.Node, vars map[string]any) NodeEvaluation {
	eval := NodeEvaluation{NodeID: node.ID, RuleOutputs: map[string]any{}, PolicyOutcomesByGate: map[string]domain.PolicyOutcome{}}

	for _, expr := range node.Preconditions.ClientContext {
		if !boolResult(ne.Expr.Evaluate(ctx, expr, vars)) {
			eval.BlockedReason = "client precondition failed: " + string(expr)
			return eval
		}
	}
	for _, expr := range node.Preconditions.DomainContext {
		if !boolResult(ne.Expr.Evaluate(ctx, expr, vars)) {
			eval.BlockedReason = "domain precondition failed: " + string(expr)
			return eval
		}
	}
	eval.PreconditionsPassed = true

	eval.PoliciesPassed = true
	for _, gate := range node.PolicyGates {
		res := ne.Policy.Evaluate(ctx, gate.PolicyID, vars)
		eval.PolicyResults = append(eval.PolicyResults, res)
		eval.PolicyOutcomesByGate[gate.ID] = res.Outcome
		if res.Blocks(gate.RequiredOutcome) {
			eval.PoliciesPassed = false
		}
	}
	if !eval.PoliciesPassed {
		eval.BlockedReason = "policy gate denied"
		return eval
	}

	// Rule outputs are merged in declaration order; later writes overwrite
	// earlier ones by design (documented and tested).
	for _, rule := range node.BusinessRules {
		res := ne.Rules.Evaluate(ctx, rule.RuleID, vars)
		eval.RuleResults = append(eval.RuleResults, res)
		if res.Err != nil {
			eval.BlockedReason = "business rule evaluation error: " + res.Err.Error()
			return eval
		}
		for k, v := range res.Outputs {
			eval.RuleOutputs[k] = v
		}
	}

	eval.Available = true
	return eval
}
