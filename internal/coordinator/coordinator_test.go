package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

// fanGraph builds A -> {B, C, D} -> E with PARALLEL edges and the given
// join type on E's inbound edges.
func fanGraph(t *testing.T, joinType domain.JoinType, joinMinimum int) *domain.ProcessGraph {
	t.Helper()
	b := domain.NewGraphBuilder("fan", 1).WithEntryNodes("a").WithTerminalNodes("e")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b.AddNode(domain.Node{ID: id, Action: domain.NodeAction{Type: domain.ActionSystemInvocation, HandlerRef: "h"}})
	}
	for _, pair := range [][2]string{{"a", "b"}, {"a", "c"}, {"a", "d"}} {
		b.AddEdge(domain.Edge{
			ID: pair[0] + "-" + pair[1], SourceNodeID: pair[0], TargetNodeID: pair[1],
			ExecutionSemantics: domain.ExecutionSemantics{Type: domain.EdgeExecParallel},
		})
	}
	for _, src := range []string{"b", "c", "d"} {
		b.AddEdge(domain.Edge{
			ID: src + "-e", SourceNodeID: src, TargetNodeID: "e",
			ExecutionSemantics: domain.ExecutionSemantics{Type: domain.EdgeExecParallel, JoinType: joinType, JoinMinimum: joinMinimum},
		})
	}
	g, errs := b.Build()
	require.Empty(t, errs)
	return g
}

func activateFan(c *Coordinator, g *domain.ProcessGraph, instanceID string) []*Branch {
	var branches []*Branch
	for _, edgeID := range []string{"a-b", "a-c", "a-d"} {
		for _, e := range g.OutboundEdges("a") {
			if e.ID == edgeID {
				branches = append(branches, c.ActivateParallelBranch(instanceID, e))
			}
		}
	}
	return branches
}

func TestBranchIDFormat(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinAll, 0)
	branches := activateFan(c, g, "inst-1")
	require.Len(t, branches, 3)
	assert.Equal(t, "inst-1:0", branches[0].BranchID)
	assert.Equal(t, "inst-1:1", branches[1].BranchID)
	assert.Equal(t, BranchRunning, branches[0].Status)
	assert.Equal(t, "b", branches[0].CurrentNodeID)
}

func TestJoinAll(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinAll, 0)
	activateFan(c, g, "i")

	can, completed, pending := c.JoinEvaluation("i", g, "e")
	assert.False(t, can)
	assert.Empty(t, completed)
	assert.Len(t, pending, 3)

	c.CompleteBranchAt("i", "b", false)
	c.CompleteBranchAt("i", "c", false)
	can, completed, pending = c.JoinEvaluation("i", g, "e")
	assert.False(t, can)
	assert.Len(t, completed, 2)
	assert.Len(t, pending, 1)

	c.CompleteBranchAt("i", "d", false)
	can, completed, _ = c.JoinEvaluation("i", g, "e")
	assert.True(t, can)
	assert.Len(t, completed, 3)
}

func TestJoinAllWithFailedBranch(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinAll, 0)
	activateFan(c, g, "i")

	c.CompleteBranchAt("i", "b", false)
	c.CompleteBranchAt("i", "c", false)
	c.CompleteBranchAt("i", "d", true)

	// One failed branch under ALL: the join can never proceed.
	can, completed, pending := c.JoinEvaluation("i", g, "e")
	assert.False(t, can)
	assert.Len(t, completed, 2)
	assert.Empty(t, pending)
}

func TestJoinAny(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinAny, 0)
	activateFan(c, g, "i")

	can, _, _ := c.JoinEvaluation("i", g, "e")
	assert.False(t, can)

	c.CompleteBranchAt("i", "c", false)
	can, completed, _ := c.JoinEvaluation("i", g, "e")
	assert.True(t, can)
	assert.Len(t, completed, 1)
}

func TestJoinNOfMMajorityDefault(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinNOfM, 0)
	activateFan(c, g, "i")

	c.CompleteBranchAt("i", "b", false)
	can, _, _ := c.JoinEvaluation("i", g, "e")
	assert.False(t, can, "1 of 3 is below the majority floor(3/2)+1 = 2")

	c.CompleteBranchAt("i", "c", false)
	can, _, _ = c.JoinEvaluation("i", g, "e")
	assert.True(t, can, "2 of 3 meets the majority")
}

func TestJoinNOfMExplicitMinimum(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinNOfM, 3)
	activateFan(c, g, "i")

	c.CompleteBranchAt("i", "b", false)
	c.CompleteBranchAt("i", "c", false)
	can, _, _ := c.JoinEvaluation("i", g, "e")
	assert.False(t, can)

	c.CompleteBranchAt("i", "d", false)
	can, _, _ = c.JoinEvaluation("i", g, "e")
	assert.True(t, can)
}

func TestAdvanceBranchFrom(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinAll, 0)
	activateFan(c, g, "i")

	c.AdvanceBranchFrom("i", "b", "x")
	c.CompleteBranchAt("i", "b", false)

	// The branch moved off b, so completing at b touches nothing.
	_, completed, _ := c.JoinEvaluation("i", g, "e")
	assert.Empty(t, completed)
}

func TestHasBranchForEdge(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinAll, 0)
	assert.False(t, c.HasBranchForEdge("i", "a-b"))
	activateFan(c, g, "i")
	assert.True(t, c.HasBranchForEdge("i", "a-b"))
}

func TestIsJoinTarget(t *testing.T) {
	g := fanGraph(t, domain.JoinAll, 0)
	assert.True(t, IsJoinTarget(g, "e"))
	assert.False(t, IsJoinTarget(g, "b"))
	assert.False(t, IsJoinTarget(g, "a"))
}

func TestCleanupInstance(t *testing.T) {
	c := New()
	g := fanGraph(t, domain.JoinAll, 0)
	activateFan(c, g, "i")
	c.CleanupInstance("i")

	_, completed, pending := c.JoinEvaluation("i", g, "e")
	assert.Empty(t, completed)
	assert.Empty(t, pending)

	// Counters reset too: a fresh branch starts at sequence 0 again.
	branches := activateFan(c, g, "i")
	assert.Equal(t, "i:0", branches[0].BranchID)
}

func TestMergeBranchOutputs(t *testing.T) {
	outputs := []map[string]any{
		{"score": 10, "source": "credit"},
		{"score": 90},
	}

	lastWins := MergeBranchOutputs(MergeLastWins, outputs)
	assert.Equal(t, 90, lastWins["score"])
	assert.Equal(t, "credit", lastWins["source"])

	collected := MergeBranchOutputs(MergeCollectAll, outputs)
	assert.Len(t, collected["branches"], 2)

	first := MergeBranchOutputs(MergeFirstOnly, outputs)
	assert.Equal(t, 10, first["score"])

	// Unknown strategy falls back to last_wins.
	fallback := MergeBranchOutputs("bogus", outputs)
	assert.Equal(t, 90, fallback["score"])

	assert.Empty(t, MergeBranchOutputs(MergeFirstOnly, nil))
}
