// Package eligibility computes the space of actions an instance could
// take right now: the cross product of eligible nodes and the traversable
// edges that activate them.
package eligibility

import (
	"context"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/evaluation"
)

// CandidateAction is a (node, optional activating edge) pair.
type CandidateAction struct {
	Node         *domain.Node
	IncomingEdge *domain.Edge // nil for entry nodes / non-edge-activated nodes
}

// EligibleSpace is the full evaluation result for one cycle.
type EligibleSpace struct {
	EligibleNodes    []evaluation.NodeEvaluation
	TraversableEdges []evaluation.EdgeEvaluation
	CandidateActions []CandidateAction
	EvaluatedAt      int64 // unix nanos; stamped by the caller to stay deterministic for tests
}

// Evaluator builds the EligibleSpace for one orchestration cycle.
type Evaluator struct {
	NodeEval *evaluation.NodeEvaluator
	EdgeEval *evaluation.EdgeEvaluator
}

func New(nodeEval *evaluation.NodeEvaluator, edgeEval *evaluation.EdgeEvaluator) *Evaluator {
	return &Evaluator{NodeEval: nodeEval, EdgeEval: edgeEval}
}

// candidateNodes computes the union of: (a) nodes currently active,
// (b) targets of edges outbound from completed nodes, (c) nodes subscribed
// to events present in the received-events list.
func candidateNodes(g *domain.ProcessGraph, inst *domain.ProcessInstance) map[string]*domain.Node {
	out := map[string]*domain.Node{}

	for nodeID := range inst.ActiveNodeIDs {
		if n, ok := g.FindNode(nodeID); ok {
			out[nodeID] = n
		}
	}

	completed := map[string]bool{}
	for _, ne := range inst.History {
		if ne.Status == domain.NodeExecCompleted {
			completed[ne.NodeID] = true
		}
	}
	// Sources (b) and (c) never re-propose a node that already reached a
	// settled outcome: re-execution only happens through an active
	// (IN_PROGRESS/WAITING/PENDING) record, i.e. source (a), which is how
	// retry re-enters. This also makes a re-sent event a no-op for an
	// already-executed subscriber.
	for nodeID := range completed {
		for _, e := range g.OutboundEdges(nodeID) {
			n, ok := g.FindNode(e.TargetNodeID)
			if !ok || inst.HasExecutedNode(n.ID) {
				continue
			}
			out[n.ID] = n
		}
	}

	for _, evt := range inst.Context.ReceivedEvents {
		for _, n := range g.NodesSubscribedTo(evt.EventType) {
			if inst.HasExecutedNode(n.ID) {
				continue
			}
			out[n.ID] = n
		}
	}

	return out
}

// Evaluate builds the EligibleSpace. For an instance with no history yet
// it returns entry nodes as candidate actions with no incoming edge.
func (ev *Evaluator) Evaluate(ctx context.Context, g *domain.ProcessGraph, inst *domain.ProcessInstance, vars map[string]any) EligibleSpace {
	space := EligibleSpace{}

	if len(inst.History) == 0 {
		for _, id := range g.EntryNodeIDs {
			n, ok := g.FindNode(id)
			if !ok {
				continue
			}
			nodeEval := ev.NodeEval.Evaluate(ctx, *n, vars)
			space.EligibleNodes = append(space.EligibleNodes, nodeEval)
			if nodeEval.Available {
				space.CandidateActions = append(space.CandidateActions, CandidateAction{Node: n})
			}
		}
		return space
	}

	nodes := candidateNodes(g, inst)
	for _, n := range nodes {
		nodeEval := ev.NodeEval.Evaluate(ctx, *n, vars)
		space.EligibleNodes = append(space.EligibleNodes, nodeEval)
		if !nodeEval.Available {
			continue
		}

		inbound := g.InboundEdges(n.ID)
		if len(inbound) == 0 {
			space.CandidateActions = append(space.CandidateActions, CandidateAction{Node: n})
			continue
		}

		for _, e := range inbound {
			edgeEval := ev.EdgeEval.Evaluate(ctx, e, vars, nodeEval.RuleOutputs, nodeEval.PolicyOutcomesByGate, inst.Context.ReceivedEvents)
			space.TraversableEdges = append(space.TraversableEdges, edgeEval)
			if edgeEval.Traversable {
				space.CandidateActions = append(space.CandidateActions, CandidateAction{Node: n, IncomingEdge: e})
			}
		}
	}

	return space
}
