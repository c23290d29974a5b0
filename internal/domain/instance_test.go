package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceNodeExecutionLifecycle(t *testing.T) {
	inst := NewProcessInstance("g", 1, "", NewExecutionContext())
	assert.Equal(t, inst.ID, inst.CorrelationID)

	require.NoError(t, inst.StartNodeExecution("a"))
	assert.True(t, inst.ActiveNodeIDs["a"])
	assert.False(t, inst.HasExecutedNode("a"))

	require.NoError(t, inst.CompleteNodeExecution("a", map[string]any{"x": 1}))
	assert.False(t, inst.ActiveNodeIDs["a"])
	assert.True(t, inst.HasExecutedNode("a"))

	ne, ok := inst.LatestExecution("a")
	require.True(t, ok)
	assert.Equal(t, NodeExecCompleted, ne.Status)
	assert.NotNil(t, ne.CompletedAt)
	assert.Equal(t, 1, inst.ExecutionCount("a"))
}

func TestInstanceActiveNodeInvariant(t *testing.T) {
	inst := NewProcessInstance("g", 1, "", NewExecutionContext())
	require.NoError(t, inst.StartNodeExecution("a"))
	require.NoError(t, inst.StartNodeExecution("b"))
	require.NoError(t, inst.FailNodeExecution("a", ExecutionError{Type: "TRANSIENT"}))

	// activeNodeIds must equal the nodes whose latest execution is active.
	assert.Equal(t, map[string]bool{"b": true}, inst.ActiveNodeIDs)

	// Retry re-enters IN_PROGRESS; the node is active again.
	require.NoError(t, inst.StartNodeExecution("a"))
	assert.True(t, inst.ActiveNodeIDs["a"])
	assert.Equal(t, 2, inst.ExecutionCount("a"))
}

func TestInstanceTerminalStatusImmutable(t *testing.T) {
	inst := NewProcessInstance("g", 1, "", NewExecutionContext())
	require.NoError(t, inst.Complete())
	assert.NotNil(t, inst.CompletedAt)

	assert.Error(t, inst.StartNodeExecution("a"))
	assert.Error(t, inst.UpdateContext(NewExecutionContext()))
	assert.Error(t, inst.Suspend())
	assert.Error(t, inst.Fail())
	assert.Equal(t, InstanceCompleted, inst.Status)
}

func TestInstanceCancelIsIdempotent(t *testing.T) {
	inst := NewProcessInstance("g", 1, "", NewExecutionContext())
	require.NoError(t, inst.Cancel())
	require.NoError(t, inst.Cancel())
	assert.Equal(t, InstanceCancelled, inst.Status)
}

func TestInstanceResumeRequiresSuspended(t *testing.T) {
	inst := NewProcessInstance("g", 1, "", NewExecutionContext())
	assert.Error(t, inst.Resume())

	require.NoError(t, inst.Suspend())
	require.NoError(t, inst.Resume())
	assert.Equal(t, InstanceRunning, inst.Status)
}

func TestInstanceRevisionIncreases(t *testing.T) {
	inst := NewProcessInstance("g", 1, "", NewExecutionContext())
	before := inst.Revision
	require.NoError(t, inst.StartNodeExecution("a"))
	assert.Greater(t, inst.Revision, before)
}

func TestExecutionContextImmutability(t *testing.T) {
	ctx := NewExecutionContext()
	ctx.DomainContext["k"] = "v"

	evt := ReceivedEvent{EventType: "OfferSigned", EventID: "e1", Timestamp: time.Now()}
	next := ctx.AddEvent(evt)

	assert.Empty(t, ctx.ReceivedEvents, "receiver must not be mutated")
	require.Len(t, next.ReceivedEvents, 1)
	assert.True(t, next.HasEvent("OfferSigned"))
	assert.False(t, ctx.HasEvent("OfferSigned"))

	next2 := next.UpdateEntityState("node1", map[string]any{"out": 1})
	assert.NotContains(t, next.AccumulatedState, "node1")
	assert.Contains(t, next2.AccumulatedState, "node1")

	// Top-level maps are copies.
	next2.DomainContext["k"] = "changed"
	assert.Equal(t, "v", ctx.DomainContext["k"])
}

func TestSkipNodeExecution(t *testing.T) {
	inst := NewProcessInstance("g", 1, "", NewExecutionContext())

	// Skipping a node with no execution appends a SKIPPED record.
	require.NoError(t, inst.SkipNodeExecution("x"))
	ne, ok := inst.LatestExecution("x")
	require.True(t, ok)
	assert.Equal(t, NodeExecSkipped, ne.Status)
	assert.True(t, inst.HasExecutedNode("x"))

	// Skipping an in-progress node settles the existing record.
	require.NoError(t, inst.StartNodeExecution("y"))
	require.NoError(t, inst.SkipNodeExecution("y"))
	assert.Equal(t, 1, inst.ExecutionCount("y"))
	assert.False(t, inst.ActiveNodeIDs["y"])
}
