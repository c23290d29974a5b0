// Package navigation selects which candidate actions execute next:
// deterministic choice under priority, exclusivity, and parallel
// semantics, with every considered alternative recorded on the decision.
package navigation

import (
	"time"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/eligibility"
)

// DecisionType is the outcome category of a NavigationDecision.
type DecisionType string

const (
	Proceed  DecisionType = "PROCEED"
	Wait     DecisionType = "WAIT"
	Blocked  DecisionType = "BLOCKED"
	Complete DecisionType = "COMPLETE"
)

// SelectionCriteria names the rule by which candidates were chosen.
type SelectionCriteria string

const (
	SingleOption    SelectionCriteria = "SINGLE_OPTION"
	Exclusive       SelectionCriteria = "EXCLUSIVE"
	HighestPriority SelectionCriteria = "HIGHEST_PRIORITY"
	Parallel        SelectionCriteria = "PARALLEL"
	NoOptions       SelectionCriteria = "NO_OPTIONS"
)

// Decision is the NavigationDecision record.
type Decision struct {
	Type                 DecisionType
	SelectedActions      []eligibility.CandidateAction
	AlternativesConsidered []eligibility.CandidateAction
	SelectionCriteria    SelectionCriteria
	SelectionReason      string
	DecidedAt            time.Time
}

// Decide applies the documented rule set over an EligibleSpace, using the
// graph's declaration order for deterministic tie-breaking when weight and
// rank are both equal.
func Decide(g *domain.ProcessGraph, space eligibility.EligibleSpace) Decision {
	now := time.Now()

	if len(space.CandidateActions) == 0 {
		return Decision{Type: Wait, SelectionCriteria: NoOptions, SelectionReason: "no eligible candidate actions", DecidedAt: now}
	}

	if len(space.CandidateActions) == 1 {
		only := space.CandidateActions[0]
		if isTerminal(g, only.Node.ID) {
			return Decision{Type: Complete, SelectedActions: []eligibility.CandidateAction{only}, SelectionCriteria: SingleOption, SelectionReason: "single terminal candidate satisfies preconditions", DecidedAt: now}
		}
		return Decision{Type: Proceed, SelectedActions: []eligibility.CandidateAction{only}, SelectionCriteria: SingleOption, SelectionReason: "exactly one candidate action", DecidedAt: now}
	}

	ordered := sortCandidates(g, space.CandidateActions)

	for i, c := range ordered {
		if c.IncomingEdge != nil && c.IncomingEdge.Priority.Exclusive {
			alts := append(append([]eligibility.CandidateAction{}, ordered[:i]...), ordered[i+1:]...)
			return Decision{
				Type:                   Proceed,
				SelectedActions:        []eligibility.CandidateAction{c},
				AlternativesConsidered: alts,
				SelectionCriteria:      Exclusive,
				SelectionReason:        "exclusive edge " + c.IncomingEdge.ID + " takes priority",
				DecidedAt:              now,
			}
		}
	}

	var parallel []eligibility.CandidateAction
	for _, c := range ordered {
		if c.IncomingEdge != nil && c.IncomingEdge.ExecutionSemantics.Type == domain.EdgeExecParallel {
			parallel = append(parallel, c)
		}
	}
	if len(parallel) > 0 {
		alts := diff(ordered, parallel)
		return Decision{
			Type:                   Proceed,
			SelectedActions:        parallel,
			AlternativesConsidered: alts,
			SelectionCriteria:      Parallel,
			SelectionReason:        "parallel edges fan out together",
			DecidedAt:              now,
		}
	}

	best := ordered[0]
	if isTerminal(g, best.Node.ID) {
		return Decision{Type: Complete, SelectedActions: []eligibility.CandidateAction{best}, AlternativesConsidered: ordered[1:], SelectionCriteria: HighestPriority, SelectionReason: "highest-priority candidate is terminal", DecidedAt: now}
	}
	return Decision{
		Type:                   Proceed,
		SelectedActions:        []eligibility.CandidateAction{best},
		AlternativesConsidered: ordered[1:],
		SelectionCriteria:      HighestPriority,
		SelectionReason:        "highest weight/rank among non-exclusive candidates",
		DecidedAt:              now,
	}
}

func isTerminal(g *domain.ProcessGraph, nodeID string) bool {
	for _, id := range g.TerminalNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// sortCandidates orders by (weight desc, rank asc), breaking remaining
// ties by the node's declaration order in the graph, deterministic across
// runs for identical inputs. Candidates with no incoming edge (entry
// nodes) count as weight 0 and rank 0 and tie-break by declaration order
// alongside edge-bearing candidates of that priority.
func sortCandidates(g *domain.ProcessGraph, candidates []eligibility.CandidateAction) []eligibility.CandidateAction {
	out := make([]eligibility.CandidateAction, len(candidates))
	copy(out, candidates)

	weight := func(c eligibility.CandidateAction) int {
		if c.IncomingEdge != nil {
			return c.IncomingEdge.Priority.Weight
		}
		return 0
	}
	rank := func(c eligibility.CandidateAction) int {
		if c.IncomingEdge != nil {
			return c.IncomingEdge.Priority.Rank
		}
		return 0
	}

	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && less(out[j], out[j-1], weight, rank, g) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

func less(a, b eligibility.CandidateAction, weight, rank func(eligibility.CandidateAction) int, g *domain.ProcessGraph) bool {
	wa, wb := weight(a), weight(b)
	if wa != wb {
		return wa > wb
	}
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra < rb
	}
	return g.DeclarationIndex(a.Node.ID) < g.DeclarationIndex(b.Node.ID)
}

func diff(all, subset []eligibility.CandidateAction) []eligibility.CandidateAction {
	in := make(map[string]bool, len(subset))
	for _, c := range subset {
		in[key(c)] = true
	}
	var out []eligibility.CandidateAction
	for _, c := range all {
		if !in[key(c)] {
			out = append(out, c)
		}
	}
	return out
}

func key(c eligibility.CandidateAction) string {
	if c.IncomingEdge != nil {
		return c.IncomingEdge.ID
	}
	return c.Node.ID
}
