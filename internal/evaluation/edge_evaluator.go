package evaluation

import (
	"context"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

// EdgeEvaluation is the per-edge guard result.
type EdgeEvaluation struct {
	Edge                  *domain.Edge
	Traversable           bool
	ContextPassed         bool
	RuleOutcomePassed     bool
	PolicyOutcomePassed   bool
	EventConditionsPassed bool
	BlockedReason         string
}

// EdgeEvaluator evaluates guard conditions and runs the
// priority/exclusivity selection rule over traversable edges.
type EdgeEvaluator struct {
	Expr ports.ExpressionEvaluator
}

func NewEdgeEvaluator(expr ports.ExpressionEvaluator) *EdgeEvaluator {
	return &EdgeEvaluator{Expr: expr}
}

// Evaluate checks, in order: context conditions (all must hold), rule
// outcome conditions (context enriched with ruleOutputs), policy outcome
// identity, and event conditions. Every sub-check that ran is recorded on
// the result; a traversable edge carries all four marked passed.
func (ee *EdgeEvaluator) Evaluate(
	ctx context.Context,
	edge *domain.Edge,
	vars map[string]any,
	ruleOutputs map[string]any,
	policyOutcomes map[string]domain.PolicyOutcome,
	receivedEvents []domain.ReceivedEvent,
) EdgeEvaluation {
	eval := EdgeEvaluation{Edge: edge}

	eval.ContextPassed = true
	for _, expr := range edge.GuardConditions.ContextConditions {
		if !boolResult(ee.Expr.Evaluate(ctx, expr, vars)) {
			eval.ContextPassed = false
			eval.BlockedReason = "context condition failed: " + string(expr)
			return eval
		}
	}

	eval.RuleOutcomePassed = true
	if len(edge.GuardConditions.RuleOutcomeConditions) > 0 {
		enriched := enrichWithRuleOutputs(vars, ruleOutputs)
		for ruleID, expectedExpr := range edge.GuardConditions.RuleOutcomeConditions {
			if !boolResult(ee.Expr.Evaluate(ctx, expectedExpr, enriched)) {
				eval.RuleOutcomePassed = false
				eval.BlockedReason = "rule outcome condition failed for " + ruleID
				return eval
			}
		}
	}

	eval.PolicyOutcomePassed = true
	for gateID, required := range edge.GuardConditions.PolicyOutcomeConditions {
		actual, ok := policyOutcomes[gateID]
		if !ok || actual != required {
			eval.PolicyOutcomePassed = false
			eval.BlockedReason = "policy outcome condition failed for " + gateID
			return eval
		}
	}

	eval.EventConditionsPassed = true
	for _, cond := range edge.GuardConditions.EventConditions {
		occurred := eventOccurred(receivedEvents, cond.EventType)
		if occurred != cond.MustHaveOccurred {
			eval.EventConditionsPassed = false
			eval.BlockedReason = "event condition failed for " + cond.EventType
			return eval
		}
	}

	eval.Traversable = true
	return eval
}

func eventOccurred(events []domain.ReceivedEvent, eventType string) bool {
	for _, e := range events {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

func enrichWithRuleOutputs(vars map[string]any, ruleOutputs map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		out[k] = v
	}
	out["ruleOutputs"] = ruleOutputs
	return out
}

// SelectTraversable applies the priority/exclusivity selection rule:
// filter to traversable, sort by (weight desc, rank asc) stably, then if
// any traversable edge is exclusive keep only that single highest-priority
// exclusive edge; otherwise keep every traversable edge (fan-out allowed).
func SelectTraversable(evals []EdgeEvaluation) (selected []EdgeEvaluation, alternatives []EdgeEvaluation) {
	var traversable []EdgeEvaluation
	for _, e := range evals {
		if e.Traversable {
			traversable = append(traversable, e)
		}
	}
	if len(traversable) == 0 {
		return nil, nil
	}

	edges := make([]*domain.Edge, len(traversable))
	for i, e := range traversable {
		edges[i] = e.Edge
	}
	ordered := domain.SortEdgesByPriority(edges)

	byEdge := make(map[*domain.Edge]EdgeEvaluation, len(traversable))
	for _, e := range traversable {
		byEdge[e.Edge] = e
	}

	orderedEvals := make([]EdgeEvaluation, len(ordered))
	for i, e := range ordered {
		orderedEvals[i] = byEdge[e]
	}

	for i, e := range orderedEvals {
		if e.Edge.Priority.Exclusive {
			selected = []EdgeEvaluation{e}
			alternatives = append(append([]EdgeEvaluation{}, orderedEvals[:i]...), orderedEvals[i+1:]...)
			return selected, alternatives
		}
	}

	return orderedEvals, nil
}
