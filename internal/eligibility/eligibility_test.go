package eligibility

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/evaluation"
	"github.com/iHelio/cpg-project-sub000/internal/exprlang"
	"github.com/iHelio/cpg-project-sub000/internal/inproc"
)

func newEvaluator() *Evaluator {
	expr := exprlang.New(zerolog.Nop())
	return New(
		evaluation.New(expr, inproc.NewRuleEvaluator(), inproc.NewPolicyEvaluator()),
		evaluation.NewEdgeEvaluator(expr),
	)
}

func buildGraph(t *testing.T) *domain.ProcessGraph {
	t.Helper()
	subscribed := domain.Node{ID: "sub"}
	subscribed.EventConfig.Subscriptions = []domain.EventSubscription{{EventType: "Ping"}}

	g, errs := domain.NewGraphBuilder("g", 1).
		AddNode(domain.Node{ID: "a"}).
		AddNode(domain.Node{ID: "b"}).
		AddNode(subscribed).
		AddEdge(domain.Edge{ID: "a-b", SourceNodeID: "a", TargetNodeID: "b"}).
		WithEntryNodes("a").WithTerminalNodes("b").
		Build()
	require.Empty(t, errs)
	return g
}

func TestNotStartedInstanceOffersEntryNodes(t *testing.T) {
	g := buildGraph(t)
	inst := domain.NewProcessInstance("g", 1, "", domain.NewExecutionContext())

	space := newEvaluator().Evaluate(context.Background(), g, inst, map[string]any{})
	require.Len(t, space.CandidateActions, 1)
	assert.Equal(t, "a", space.CandidateActions[0].Node.ID)
	assert.Nil(t, space.CandidateActions[0].IncomingEdge)
}

func TestCompletedNodeOffersSuccessors(t *testing.T) {
	g := buildGraph(t)
	inst := domain.NewProcessInstance("g", 1, "", domain.NewExecutionContext())
	require.NoError(t, inst.StartNodeExecution("a"))
	require.NoError(t, inst.CompleteNodeExecution("a", nil))

	space := newEvaluator().Evaluate(context.Background(), g, inst, map[string]any{})
	require.Len(t, space.CandidateActions, 1)
	assert.Equal(t, "b", space.CandidateActions[0].Node.ID)
	require.NotNil(t, space.CandidateActions[0].IncomingEdge)
	assert.Equal(t, "a-b", space.CandidateActions[0].IncomingEdge.ID)
}

func TestExecutedNodesAreNotReproposed(t *testing.T) {
	g := buildGraph(t)
	inst := domain.NewProcessInstance("g", 1, "", domain.NewExecutionContext())
	for _, id := range []string{"a", "b"} {
		require.NoError(t, inst.StartNodeExecution(id))
		require.NoError(t, inst.CompleteNodeExecution(id, nil))
	}

	space := newEvaluator().Evaluate(context.Background(), g, inst, map[string]any{})
	assert.Empty(t, space.CandidateActions)
}

func TestEventSubscriptionMakesNodeCandidate(t *testing.T) {
	g := buildGraph(t)
	inst := domain.NewProcessInstance("g", 1, "", domain.NewExecutionContext())
	require.NoError(t, inst.StartNodeExecution("a"))
	require.NoError(t, inst.CompleteNodeExecution("a", nil))
	require.NoError(t, inst.UpdateContext(inst.Context.AddEvent(domain.ReceivedEvent{EventType: "Ping"})))

	space := newEvaluator().Evaluate(context.Background(), g, inst, map[string]any{})
	ids := map[string]bool{}
	for _, c := range space.CandidateActions {
		ids[c.Node.ID] = true
	}
	assert.True(t, ids["sub"], "subscribed node becomes a candidate once its event arrives")
	assert.True(t, ids["b"])
}

func TestActiveNodeRemainsCandidate(t *testing.T) {
	g := buildGraph(t)
	inst := domain.NewProcessInstance("g", 1, "", domain.NewExecutionContext())
	require.NoError(t, inst.StartNodeExecution("a"))

	space := newEvaluator().Evaluate(context.Background(), g, inst, map[string]any{})
	require.Len(t, space.CandidateActions, 1)
	assert.Equal(t, "a", space.CandidateActions[0].Node.ID)
}
