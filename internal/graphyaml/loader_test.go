package graphyaml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

const sampleGraph = `
graphId: onboarding
version: 2
name: Onboarding
status: PUBLISHED
entryNodes: [start]
terminalNodes: [done]
nodes:
  - id: start
    name: Start
    action:
      type: SYSTEM_INVOCATION
      handlerRef: intake
      config:
        timeoutSeconds: 30
        retryCount: 2
    events:
      emissions:
        - eventType: Started
          timing: ON_COMPLETE
  - id: check
    name: Background Check
    preconditions:
      domainContext:
        - "candidate.id != nil"
    policyGates:
      - id: gate1
        policyId: screening
        requiredOutcome: ALLOWED
    businessRules:
      - id: br1
        ruleId: scoring
        category: risk
    action:
      type: SYSTEM_INVOCATION
      handlerRef: screening-svc
    exceptionRoutes:
      remediation:
        - pattern: TRANSIENT
          strategy: RETRY
          maxRetries: 3
  - id: done
    name: Done
    action:
      type: NOTIFICATION
      handlerRef: notify
edges:
  - id: start-check
    source: start
    target: check
    execution:
      type: PARALLEL
      joinType: ALL
      mergeStrategy: collect_all
    priority:
      weight: 10
      rank: 1
  - id: check-done
    source: check
    target: done
    guards:
      context:
        - "score > 50"
      ruleOutcomes:
        scoring: "ruleOutputs.passed == true"
      policyOutcomes:
        gate1: ALLOWED
      events:
        - eventType: ManagerApproved
          mustHaveOccurred: true
    priority:
      weight: 100
      exclusive: true
`

func TestLoadSampleGraph(t *testing.T) {
	g, err := Load([]byte(sampleGraph))
	require.NoError(t, err)

	assert.Equal(t, "onboarding", g.GraphID)
	assert.Equal(t, 2, g.Version)
	assert.Equal(t, domain.GraphStatusPublished, g.Status)
	assert.Equal(t, []string{"start"}, g.EntryNodeIDs)

	start, ok := g.FindNode("start")
	require.True(t, ok)
	assert.Equal(t, domain.ActionSystemInvocation, start.Action.Type)
	assert.Equal(t, 30, start.Action.Config.TimeoutSeconds)
	require.Len(t, start.EventConfig.Emissions, 1)
	assert.Equal(t, domain.EventTimingOnComplete, start.EventConfig.Emissions[0].Timing)

	check, ok := g.FindNode("check")
	require.True(t, ok)
	require.Len(t, check.Preconditions.DomainContext, 1)
	require.Len(t, check.PolicyGates, 1)
	assert.Equal(t, domain.PolicyAllowed, check.PolicyGates[0].RequiredOutcome)
	require.Len(t, check.BusinessRules, 1)
	require.Len(t, check.ExceptionRoutes.Remediation, 1)
	assert.Equal(t, domain.CompensationRetry, check.ExceptionRoutes.Remediation[0].Strategy)

	edges := g.OutboundEdges("start")
	require.Len(t, edges, 1)
	assert.Equal(t, domain.EdgeExecParallel, edges[0].ExecutionSemantics.Type)
	assert.Equal(t, domain.JoinAll, edges[0].ExecutionSemantics.JoinType)
	assert.Equal(t, "collect_all", edges[0].ExecutionSemantics.MergeStrategy)

	guard := g.OutboundEdges("check")[0]
	assert.True(t, guard.Priority.Exclusive)
	require.Len(t, guard.GuardConditions.ContextConditions, 1)
	assert.Equal(t, domain.FeelExpression("ruleOutputs.passed == true"), guard.GuardConditions.RuleOutcomeConditions["scoring"])
	assert.Equal(t, domain.PolicyAllowed, guard.GuardConditions.PolicyOutcomeConditions["gate1"])
	require.Len(t, guard.GuardConditions.EventConditions, 1)
	assert.True(t, guard.GuardConditions.EventConditions[0].MustHaveOccurred)
}

func TestLoadDefaultsSequentialEdgeType(t *testing.T) {
	g, err := Load([]byte(`
graphId: g
version: 1
entryNodes: [a]
terminalNodes: [b]
nodes:
  - id: a
  - id: b
edges:
  - id: e
    source: a
    target: b
`))
	require.NoError(t, err)
	assert.Equal(t, domain.EdgeExecSequential, g.OutboundEdges("a")[0].ExecutionSemantics.Type)
}

func TestLoadRejectsMissingGraphID(t *testing.T) {
	_, err := Load([]byte("version: 1"))
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidInput))
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	_, err := Load([]byte("{{nope"))
	require.Error(t, err)
}

func TestLoadRejectsStructurallyInvalidGraph(t *testing.T) {
	_, err := Load([]byte(`
graphId: g
version: 1
entryNodes: [a]
nodes:
  - id: a
edges:
  - id: e
    source: a
    target: missing
`))
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeInvalidInput))
}
