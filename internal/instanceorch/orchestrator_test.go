package instanceorch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iHelio/cpg-project-sub000/internal/actions"
	"github.com/iHelio/cpg-project-sub000/internal/compensation"
	"github.com/iHelio/cpg-project-sub000/internal/coordinator"
	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/eligibility"
	"github.com/iHelio/cpg-project-sub000/internal/evaluation"
	"github.com/iHelio/cpg-project-sub000/internal/exprlang"
	"github.com/iHelio/cpg-project-sub000/internal/governance"
	"github.com/iHelio/cpg-project-sub000/internal/inproc"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
	"github.com/iHelio/cpg-project-sub000/internal/tracing"
)

// scriptedHandler pops a queued result per node; an empty queue completes.
type scriptedHandler struct {
	mu     sync.Mutex
	queues map[string][]ports.ActionResult
	calls  map[string]int
}

func newScriptedHandler() *scriptedHandler {
	return &scriptedHandler{queues: map[string][]ports.ActionResult{}, calls: map[string]int{}}
}

func (s *scriptedHandler) script(nodeID string, results ...ports.ActionResult) {
	s.queues[nodeID] = results
}

func (s *scriptedHandler) callCount(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[nodeID]
}

func (s *scriptedHandler) Execute(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[ac.Node.ID]++
	q := s.queues[ac.Node.ID]
	if len(q) == 0 {
		return ports.ActionResult{Status: ports.ActionCompleted, Output: map[string]any{"done": ac.Node.ID}}
	}
	r := q[0]
	s.queues[ac.Node.ID] = q[1:]
	return r
}

func (s *scriptedHandler) SupportsAsync() bool { return false }
func (s *scriptedHandler) ExecuteAsync(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	return s.Execute(ctx, ac)
}

type fakeEmitter struct {
	mu        sync.Mutex
	nodeEvts  []string
	completed []string
}

func (f *fakeEmitter) EmitNodeEvent(ctx context.Context, instanceID string, emission domain.EventEmission, vars map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodeEvts = append(f.nodeEvts, emission.EventType)
}

func (f *fakeEmitter) EmitInstanceCompleted(ctx context.Context, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, instanceID)
}

type harness struct {
	orch    *Orchestrator
	handler *scriptedHandler
	traces  *tracing.MemoryStore
	emitter *fakeEmitter
	comp    *compensation.Handler
}

func newHarness(t *testing.T, gov governance.Config) *harness {
	t.Helper()
	expr := exprlang.New(zerolog.Nop())
	rules := inproc.NewRuleEvaluator()
	policies := inproc.NewPolicyEvaluator()

	handler := newScriptedHandler()
	registry := actions.NewRegistry()
	registry.Register(domain.ActionSystemInvocation, "", handler)

	traces := tracing.NewMemoryStore()
	emitter := &fakeEmitter{}
	comp := compensation.New()

	orch := &Orchestrator{
		Eligibility:  eligibility.New(evaluation.New(expr, rules, policies), evaluation.NewEdgeEvaluator(expr)),
		Coordinator:  coordinator.New(),
		Compensation: comp,
		Governor:     governance.New(gov, policies),
		Actions:      registry,
		Traces:       traces,
		Events:       emitter,
		Expr:         expr,
		Log:          zerolog.Nop(),
	}
	return &harness{orch: orch, handler: handler, traces: traces, emitter: emitter, comp: comp}
}

func (h *harness) tracesFor(t *testing.T, instanceID string) []tracing.DecisionTrace {
	t.Helper()
	out, err := h.traces.FindByInstanceID(context.Background(), instanceID)
	require.NoError(t, err)
	return out
}

func executionTraces(traces []tracing.DecisionTrace, nodeID string) []tracing.DecisionTrace {
	var out []tracing.DecisionTrace
	for _, tr := range traces {
		if tr.Type != tracing.TraceExecution {
			continue
		}
		if nodeID == "" || tr.OutcomeSnapshot["nodeId"] == nodeID {
			out = append(out, tr)
		}
	}
	return out
}

func sysNode(id string) domain.Node {
	return domain.Node{ID: id, Name: id, Action: domain.NodeAction{Type: domain.ActionSystemInvocation, HandlerRef: ""}}
}

func newInstance(graphID string, domainCtx map[string]any) *domain.ProcessInstance {
	ctx := domain.NewExecutionContext()
	for k, v := range domainCtx {
		ctx.DomainContext[k] = v
	}
	return domain.NewProcessInstance(graphID, 1, "", ctx)
}

// Happy path: entry -> terminal guarded by offer.signed = true; exactly
// three traces (EXECUTION, NAVIGATION, EXECUTION) and a COMPLETED instance.
func TestHappyPath(t *testing.T) {
	g, errs := domain.NewGraphBuilder("happy", 1).
		AddNode(sysNode("entry")).
		AddNode(sysNode("terminal")).
		AddEdge(domain.Edge{
			ID: "entry-terminal", SourceNodeID: "entry", TargetNodeID: "terminal",
			GuardConditions: domain.GuardConditions{ContextConditions: []domain.FeelExpression{"offer.signed == true"}},
		}).
		WithEntryNodes("entry").WithTerminalNodes("terminal").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{})
	inst := newInstance("happy", map[string]any{"offer": map[string]any{"signed": true}})

	res := h.orch.Step(context.Background(), g, inst, ports.Principal{})
	assert.Equal(t, Executed, res.Status)

	res = h.orch.Step(context.Background(), g, inst, ports.Principal{})
	assert.Equal(t, Completed, res.Status)
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
	assert.NotNil(t, inst.CompletedAt)

	traces := h.tracesFor(t, inst.ID)
	require.Len(t, traces, 3)
	assert.Equal(t, tracing.TraceExecution, traces[0].Type)
	assert.Equal(t, tracing.TraceNavigation, traces[1].Type)
	assert.Equal(t, tracing.TraceExecution, traces[2].Type)

	assert.Len(t, h.emitter.completed, 1)
}

func TestHappyPathGuardBlocksWithoutSignature(t *testing.T) {
	g, errs := domain.NewGraphBuilder("happy", 1).
		AddNode(sysNode("entry")).
		AddNode(sysNode("terminal")).
		AddEdge(domain.Edge{
			ID: "entry-terminal", SourceNodeID: "entry", TargetNodeID: "terminal",
			GuardConditions: domain.GuardConditions{ContextConditions: []domain.FeelExpression{"offer.signed == true"}},
		}).
		WithEntryNodes("entry").WithTerminalNodes("terminal").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{})
	inst := newInstance("happy", nil)

	_ = h.orch.Step(context.Background(), g, inst, ports.Principal{})
	res := h.orch.Step(context.Background(), g, inst, ports.Principal{})
	assert.Equal(t, Waiting, res.Status)
	assert.Equal(t, domain.InstanceRunning, inst.Status)
}

// Exclusive routing: the lone exclusive edge wins over a heavier sibling,
// and the heavier sibling is recorded among the alternatives.
func TestExclusiveRouting(t *testing.T) {
	g, errs := domain.NewGraphBuilder("excl", 1).
		AddNode(sysNode("n1")).AddNode(sysNode("n2")).AddNode(sysNode("n3")).
		AddEdge(domain.Edge{ID: "n1-n2", SourceNodeID: "n1", TargetNodeID: "n2", Priority: domain.PriorityConfig{Weight: 100}}).
		AddEdge(domain.Edge{ID: "n1-n3", SourceNodeID: "n1", TargetNodeID: "n3", Priority: domain.PriorityConfig{Weight: 10, Exclusive: true}}).
		WithEntryNodes("n1").WithTerminalNodes("n2", "n3").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{})
	inst := newInstance("excl", nil)

	_ = h.orch.Step(context.Background(), g, inst, ports.Principal{})
	_ = h.orch.Step(context.Background(), g, inst, ports.Principal{})

	assert.Equal(t, 1, h.handler.callCount("n3"))
	assert.Zero(t, h.handler.callCount("n2"))

	traces := h.tracesFor(t, inst.ID)
	var nav *tracing.DecisionTrace
	for i := range traces {
		if traces[i].Type == tracing.TraceNavigation {
			nav = &traces[i]
		}
	}
	require.NotNil(t, nav)
	assert.Equal(t, "EXCLUSIVE", nav.DecisionSnapshot["selectionCriteria"])
	assert.Contains(t, nav.DecisionSnapshot["alternatives"], "n1-n2")
}

func parallelJoinGraph(t *testing.T) *domain.ProcessGraph {
	t.Helper()
	b := domain.NewGraphBuilder("fan", 1).WithEntryNodes("a").WithTerminalNodes("e")
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b.AddNode(sysNode(id))
	}
	for _, target := range []string{"b", "c", "d"} {
		b.AddEdge(domain.Edge{
			ID: "a-" + target, SourceNodeID: "a", TargetNodeID: target,
			ExecutionSemantics: domain.ExecutionSemantics{Type: domain.EdgeExecParallel},
		})
	}
	for _, src := range []string{"b", "c", "d"} {
		b.AddEdge(domain.Edge{
			ID: src + "-e", SourceNodeID: src, TargetNodeID: "e",
			ExecutionSemantics: domain.ExecutionSemantics{Type: domain.EdgeExecParallel, JoinType: domain.JoinAll},
		})
	}
	g, errs := b.Build()
	require.Empty(t, errs)
	return g
}

// Parallel fan-out with an ALL join: e stays ineligible until b, c and d
// have all completed, then executes exactly once.
func TestParallelFanOutAllJoin(t *testing.T) {
	g := parallelJoinGraph(t)

	h := newHarness(t, governance.Config{})
	// b completes immediately; c and d linger in WAITING across cycles.
	h.handler.script("c", ports.ActionResult{Status: ports.ActionWaiting}, ports.ActionResult{Status: ports.ActionCompleted})
	h.handler.script("d",
		ports.ActionResult{Status: ports.ActionWaiting},
		ports.ActionResult{Status: ports.ActionWaiting},
		ports.ActionResult{Status: ports.ActionCompleted})

	inst := newInstance("fan", nil)
	ctx := context.Background()

	_ = h.orch.Step(ctx, g, inst, ports.Principal{}) // a
	_ = h.orch.Step(ctx, g, inst, ports.Principal{}) // fan-out: b done, c/d waiting

	assert.Empty(t, executionTraces(h.tracesFor(t, inst.ID), "e"), "join must hold e back")

	_ = h.orch.Step(ctx, g, inst, ports.Principal{}) // c completes, d still waiting
	assert.Empty(t, executionTraces(h.tracesFor(t, inst.ID), "e"), "two of three is not ALL")

	_ = h.orch.Step(ctx, g, inst, ports.Principal{}) // d completes, join satisfied, e runs

	eTraces := executionTraces(h.tracesFor(t, inst.ID), "e")
	require.Len(t, eTraces, 1, "exactly one EXECUTION(e)")
	assert.Equal(t, 1, h.handler.callCount("e"))
	assert.Equal(t, domain.InstanceCompleted, inst.Status)
}

// Governance block: a principal without execute:SYSTEM_INVOCATION yields a
// BLOCKED trace with reason UNAUTHORIZED and no handler side effect.
func TestGovernanceBlock(t *testing.T) {
	g, errs := domain.NewGraphBuilder("gov", 1).
		AddNode(sysNode("s")).
		WithEntryNodes("s").WithTerminalNodes("s").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{AuthorizationEnabled: true})
	inst := newInstance("gov", nil)

	res := h.orch.Step(context.Background(), g, inst, ports.Principal{Subject: "nobody"})
	assert.Equal(t, Blocked, res.Status)
	assert.Equal(t, "UNAUTHORIZED", res.Reason)
	assert.Zero(t, h.handler.callCount("s"))

	traces := h.tracesFor(t, inst.ID)
	require.Len(t, traces, 1)
	assert.Equal(t, tracing.TraceBlocked, traces[0].Type)
	assert.Equal(t, "UNAUTHORIZED", traces[0].GovernanceSnapshot["authorization"])
	assert.Equal(t, false, traces[0].GovernanceSnapshot["approved"])
}

// Retry then succeed: two TRANSIENT failures under a RETRY remediation,
// then success; the retry counter is cleared afterward.
func TestRetryThenSucceed(t *testing.T) {
	node := sysNode("r")
	node.ExceptionRoutes.Remediation = []domain.ExceptionRoute{
		{Pattern: "TRANSIENT", Strategy: domain.CompensationRetry, MaxRetries: 3},
	}
	g, errs := domain.NewGraphBuilder("retry", 1).
		AddNode(node).AddNode(sysNode("t")).
		AddEdge(domain.Edge{ID: "r-t", SourceNodeID: "r", TargetNodeID: "t"}).
		WithEntryNodes("r").WithTerminalNodes("t").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{})
	transient := ports.ActionResult{Status: ports.ActionFailed, Err: &domain.ExecutionError{Type: "TRANSIENT", Message: "flaky"}}
	h.handler.script("r", transient, transient, ports.ActionResult{Status: ports.ActionCompleted})

	inst := newInstance("retry", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := h.orch.Step(ctx, g, inst, ports.Principal{})
		assert.Equal(t, Executed, res.Status)
	}

	rTraces := executionTraces(h.tracesFor(t, inst.ID), "r")
	require.Len(t, rTraces, 3)
	assert.Equal(t, "FAILED", rTraces[0].OutcomeSnapshot["status"])
	assert.Equal(t, "RETRY", rTraces[0].OutcomeSnapshot["compensation"])
	assert.Equal(t, "FAILED", rTraces[1].OutcomeSnapshot["status"])
	assert.Equal(t, "COMPLETED", rTraces[2].OutcomeSnapshot["status"])

	assert.Zero(t, h.comp.RetryCount(inst.ID, "r"), "counter cleared on success")
	assert.Equal(t, 3, h.handler.callCount("r"))
}

// Retry exhaustion falls through to FAIL and the instance fails.
func TestRetryExhaustionFailsInstance(t *testing.T) {
	node := sysNode("r")
	node.ExceptionRoutes.Remediation = []domain.ExceptionRoute{
		{Pattern: "TRANSIENT", Strategy: domain.CompensationRetry, MaxRetries: 1},
	}
	g, errs := domain.NewGraphBuilder("retry", 1).
		AddNode(node).AddNode(sysNode("t")).
		AddEdge(domain.Edge{ID: "r-t", SourceNodeID: "r", TargetNodeID: "t"}).
		WithEntryNodes("r").WithTerminalNodes("t").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{})
	transient := ports.ActionResult{Status: ports.ActionFailed, Err: &domain.ExecutionError{Type: "TRANSIENT"}}
	h.handler.script("r", transient, transient, transient)

	inst := newInstance("retry", nil)
	ctx := context.Background()

	_ = h.orch.Step(ctx, g, inst, ports.Principal{}) // fail, retry 1
	res := h.orch.Step(ctx, g, inst, ports.Principal{})
	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, domain.InstanceFailed, inst.Status)
}

// Event-driven unblock: a node guarded on an event becomes eligible once
// the event arrives; re-sending it produces no additional execution.
func TestEventDrivenUnblock(t *testing.T) {
	w := sysNode("w")
	w.EventConfig.Subscriptions = []domain.EventSubscription{{EventType: "BackgroundCheckCompleted"}}
	g, errs := domain.NewGraphBuilder("evt", 1).
		AddNode(sysNode("a")).
		AddNode(w).
		AddNode(sysNode("t")).
		AddEdge(domain.Edge{
			ID: "a-w", SourceNodeID: "a", TargetNodeID: "w",
			GuardConditions: domain.GuardConditions{
				EventConditions: []domain.EdgeEventCondition{{EventType: "BackgroundCheckCompleted", MustHaveOccurred: true}},
			},
		}).
		AddEdge(domain.Edge{
			ID: "w-t", SourceNodeID: "w", TargetNodeID: "t",
			GuardConditions: domain.GuardConditions{ContextConditions: []domain.FeelExpression{"false"}},
		}).
		WithEntryNodes("a").WithTerminalNodes("t").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{IdempotencyEnabled: true})
	inst := newInstance("evt", nil)
	ctx := context.Background()

	_ = h.orch.Step(ctx, g, inst, ports.Principal{}) // a executes
	res := h.orch.Step(ctx, g, inst, ports.Principal{})
	assert.Equal(t, Waiting, res.Status, "w is blocked until the event occurs")

	signal := func() {
		evt := domain.ReceivedEvent{
			EventType: "BackgroundCheckCompleted",
			EventID:   "evt-1",
			Timestamp: time.Now(),
			Payload:   map[string]any{"passed": true},
		}
		require.NoError(t, inst.UpdateContext(inst.Context.AddEvent(evt)))
	}

	signal()
	res = h.orch.Step(ctx, g, inst, ports.Principal{})
	assert.Equal(t, Executed, res.Status)
	require.Len(t, executionTraces(h.tracesFor(t, inst.ID), "w"), 1)

	// Same event again: no additional EXECUTION trace.
	signal()
	res = h.orch.Step(ctx, g, inst, ports.Principal{})
	assert.Equal(t, Waiting, res.Status)
	assert.Len(t, executionTraces(h.tracesFor(t, inst.ID), "w"), 1)
	assert.Equal(t, 1, h.handler.callCount("w"))
}

// An event arriving for a cancelled instance is a no-op with no trace.
func TestStepOnCancelledInstanceIsNoOp(t *testing.T) {
	g, errs := domain.NewGraphBuilder("c", 1).
		AddNode(sysNode("a")).
		WithEntryNodes("a").WithTerminalNodes("a").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{})
	inst := newInstance("c", nil)
	require.NoError(t, inst.Cancel())

	res := h.orch.Step(context.Background(), g, inst, ports.Principal{})
	assert.Equal(t, StepStatus(domain.InstanceCancelled), res.Status)
	assert.Empty(t, h.tracesFor(t, inst.ID))
}

// Timeout contract: a handler that outlives timeoutSeconds is treated as
// FAILED with error type TIMEOUT and compensation runs.
func TestActionTimeout(t *testing.T) {
	slow := actions.Func(func(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
		select {
		case <-ctx.Done():
			return ports.ActionResult{Status: ports.ActionFailed}
		case <-time.After(5 * time.Second):
			return ports.ActionResult{Status: ports.ActionCompleted}
		}
	})

	res := runWithTimeout(context.Background(), slow, ports.ActionContext{}, 1)
	// Uses a 1s budget; the test relies on the context firing first.
	assert.Equal(t, ports.ActionFailed, res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, "TIMEOUT", res.Err.Type)
}

// Trace timestamps are ordered and bounded by the instance lifecycle.
func TestTraceTimestampInvariants(t *testing.T) {
	g, errs := domain.NewGraphBuilder("happy", 1).
		AddNode(sysNode("entry")).AddNode(sysNode("terminal")).
		AddEdge(domain.Edge{ID: "e", SourceNodeID: "entry", TargetNodeID: "terminal"}).
		WithEntryNodes("entry").WithTerminalNodes("terminal").
		Build()
	require.Empty(t, errs)

	h := newHarness(t, governance.Config{})
	inst := newInstance("happy", nil)
	ctx := context.Background()

	_ = h.orch.Step(ctx, g, inst, ports.Principal{})
	_ = h.orch.Step(ctx, g, inst, ports.Principal{})
	require.Equal(t, domain.InstanceCompleted, inst.Status)

	traces := h.tracesFor(t, inst.ID)
	require.NotEmpty(t, traces)
	for i, tr := range traces {
		assert.False(t, tr.Timestamp.Before(inst.StartedAt))
		assert.False(t, tr.Timestamp.After(*inst.CompletedAt))
		if i > 0 {
			assert.False(t, tr.Timestamp.Before(traces[i-1].Timestamp))
		}
	}
}
