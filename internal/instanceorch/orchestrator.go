// Package instanceorch runs one evaluate, decide, govern, execute, trace
// cycle per call for a single process instance. There is no auto-advance
// loop here; callers drive progress by calling Step after each event.
package instanceorch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/iHelio/cpg-project-sub000/internal/compensation"
	"github.com/iHelio/cpg-project-sub000/internal/coordinator"
	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/eligibility"
	"github.com/iHelio/cpg-project-sub000/internal/governance"
	"github.com/iHelio/cpg-project-sub000/internal/navigation"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
	"github.com/iHelio/cpg-project-sub000/internal/runtimectx"
	"github.com/iHelio/cpg-project-sub000/internal/tracing"
)

// StepStatus is the orchestration status returned to the caller, always
// paired with a human-readable reason.
type StepStatus string

const (
	Executed  StepStatus = "EXECUTED"
	Waiting   StepStatus = "WAITING"
	Blocked   StepStatus = "BLOCKED"
	Failed    StepStatus = "FAILED"
	Completed StepStatus = "COMPLETED"
)

// StepResult is what one Step call reports.
type StepResult struct {
	Status StepStatus
	Reason string
}

// EventEmitter is implemented by the event bridge; kept as a narrow
// interface here to avoid a package cycle between the instance-level
// cycle and the process-level event catalog.
type EventEmitter interface {
	EmitNodeEvent(ctx context.Context, instanceID string, emission domain.EventEmission, vars map[string]any)
	EmitInstanceCompleted(ctx context.Context, instanceID string)
}

// Orchestrator runs one step cycle at a time for a given instance.
type Orchestrator struct {
	Eligibility     *eligibility.Evaluator
	Coordinator     *coordinator.Coordinator
	Compensation    *compensation.Handler
	Governor        *governance.Governor
	Actions         ports.ActionHandlerRegistry
	Traces          tracing.Store
	Events          EventEmitter
	Expr            ports.ExpressionEvaluator
	Log             zerolog.Logger
	Tracer          oteltrace.Tracer
	PolicyGateFatal bool // whether a governance policy-gate denial marks the instance FAILED
}

func (o *Orchestrator) tracer() oteltrace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer("cpg.instanceorch")
}

// Step runs one cycle for inst against graph g, bound to principal. At
// most one node execution happens per cycle along any given branch; a
// parallel decision may fan out several actions, each executing at most
// once.
func (o *Orchestrator) Step(ctx context.Context, g *domain.ProcessGraph, inst *domain.ProcessInstance, principal ports.Principal) StepResult {
	if inst.Status == domain.InstanceCancelled {
		return StepResult{Status: StepStatus(inst.Status), Reason: "instance is cancelled; no-op"}
	}
	if inst.Status.IsTerminal() {
		return StepResult{Status: StepStatus(inst.Status), Reason: "instance already in a terminal status"}
	}

	ctx, span := o.tracer().Start(ctx, "cpg.instance.step",
		oteltrace.WithAttributes(
			attribute.String("cpg.instance_id", inst.ID),
			attribute.String("cpg.graph_id", g.GraphID),
		))
	defer span.End()

	rc := runtimectx.Assemble(inst, principal)
	vars := runtimectx.FlattenForEvaluation(rc)

	evalCtx, evalSpan := o.tracer().Start(ctx, "cpg.instance.evaluate")
	space := o.Eligibility.Evaluate(evalCtx, g, inst, vars)
	space.EvaluatedAt = time.Now().UnixNano()
	evalSpan.End()

	evalSnap := evaluationSnapshot(space)

	_, decideSpan := o.tracer().Start(ctx, "cpg.instance.decide")
	decision := navigation.Decide(g, space)
	decideSpan.End()
	span.SetAttributes(attribute.String("cpg.decision", string(decision.Type)))

	if decision.Type == navigation.Wait {
		o.trace(ctx, inst.ID, tracing.TraceWait, rc, decision, evalSnap, nil, nil)
		return StepResult{Status: Waiting, Reason: decision.SelectionReason}
	}

	// A navigation choice between nodes (an edge traversal) gets its own
	// NAVIGATION trace; the initial entry-node selection does not navigate
	// anywhere and is recorded by its EXECUTION trace alone.
	if navigatesEdge(decision) {
		o.trace(ctx, inst.ID, tracing.TraceNavigation, rc, decision, evalSnap, nil, nil)
	}

	if decision.Type == navigation.Complete {
		return o.completeTerminal(ctx, g, inst, decision, rc, evalSnap)
	}

	var lastOutcome StepResult
	executed := map[string]bool{}
	for _, action := range decision.SelectedActions {
		// Re-check the cooperative cancellation flag between fan-out
		// dispatches; never interrupt a handler mid-call.
		if inst.Status == domain.InstanceCancelled {
			break
		}

		o.prepareBranches(g, inst, action)

		if executed[action.Node.ID] {
			// Several traversable inbound edges can propose the same node in
			// one parallel decision; the node executes at most once.
			continue
		}

		if joinWait, reason := o.joinNotReady(g, inst, action); joinWait {
			o.trace(ctx, inst.ID, tracing.TraceWait, rc, decision, evalSnap, nil, map[string]any{"join": reason})
			lastOutcome = StepResult{Status: Waiting, Reason: reason}
			continue
		}

		executionCount := inst.ExecutionCount(action.Node.ID)
		_, govSpan := o.tracer().Start(ctx, "cpg.instance.govern")
		govResult := o.Governor.Govern(ctx, inst.ID, *action.Node, executionCount, rc)
		govSpan.End()

		if !govResult.Approved() {
			o.trace(ctx, inst.ID, tracing.TraceBlocked, rc, decision, evalSnap, govResult, nil)
			if govResult.PolicyGate != governance.Passed && o.PolicyGateFatal {
				_ = inst.Fail()
				o.cleanupTerminal(inst.ID)
			}
			lastOutcome = StepResult{Status: Blocked, Reason: blockedReason(govResult)}
			continue
		}

		executed[action.Node.ID] = true
		lastOutcome = o.dispatch(ctx, g, inst, action, rc, decision, evalSnap, govResult)
	}

	if lastOutcome.Status == "" {
		lastOutcome = StepResult{Status: Waiting, Reason: "no action produced an outcome"}
	}
	return lastOutcome
}

// prepareBranches does the coordinator bookkeeping for one candidate
// action before any execution decision: activating a branch when a
// PARALLEL edge fans out, advancing a running branch along a sequential
// continuation.
func (o *Orchestrator) prepareBranches(g *domain.ProcessGraph, inst *domain.ProcessInstance, action eligibility.CandidateAction) {
	edge := action.IncomingEdge
	if edge == nil {
		return
	}
	if edge.ExecutionSemantics.Type != domain.EdgeExecParallel {
		// A sequential continuation carries its branch forward.
		o.Coordinator.AdvanceBranchFrom(inst.ID, edge.SourceNodeID, action.Node.ID)
		return
	}
	if coordinator.IsJoinTarget(g, action.Node.ID) {
		_ = inst.ActivatePendingEdge(edge.ID)
		return
	}
	if !o.Coordinator.HasBranchForEdge(inst.ID, edge.ID) {
		o.Coordinator.ActivateParallelBranch(inst.ID, edge)
	}
}

// joinNotReady gates a join target: the action waits until the join
// evaluation over the relevant branches says it can proceed. When it can,
// the joined branch outputs are merged into accumulated state for the
// target's evaluation input.
func (o *Orchestrator) joinNotReady(g *domain.ProcessGraph, inst *domain.ProcessInstance, action eligibility.CandidateAction) (bool, string) {
	edge := action.IncomingEdge
	if edge == nil || edge.ExecutionSemantics.Type != domain.EdgeExecParallel {
		return false, ""
	}
	if !coordinator.IsJoinTarget(g, action.Node.ID) {
		return false, ""
	}

	canProceed, completed, pending := o.Coordinator.JoinEvaluation(inst.ID, g, action.Node.ID)
	if !canProceed {
		return true, fmt.Sprintf("join at node %s waiting: %d completed, %d pending",
			action.Node.ID, len(completed), len(pending))
	}

	outputs := make([]map[string]any, 0, len(completed))
	for _, b := range completed {
		if ne, ok := inst.LatestExecution(b.CurrentNodeID); ok && ne.Result != nil {
			outputs = append(outputs, ne.Result)
		}
	}
	merged := coordinator.MergeBranchOutputs(coordinator.MergeStrategy(edge.ExecutionSemantics.MergeStrategy), outputs)
	_ = inst.UpdateContext(inst.Context.UpdateEntityState("joinInput:"+action.Node.ID, merged))
	return false, ""
}

func (o *Orchestrator) completeTerminal(
	ctx context.Context,
	g *domain.ProcessGraph,
	inst *domain.ProcessInstance,
	decision navigation.Decision,
	rc ports.RuntimeContext,
	evalSnap map[string]any,
) StepResult {
	// The terminal node still executes as a governed action; COMPLETE only
	// changes what happens after it succeeds.
	var lastOutcome StepResult
	for _, action := range decision.SelectedActions {
		executionCount := inst.ExecutionCount(action.Node.ID)
		govResult := o.Governor.Govern(ctx, inst.ID, *action.Node, executionCount, rc)
		if !govResult.Approved() {
			o.trace(ctx, inst.ID, tracing.TraceBlocked, rc, decision, evalSnap, govResult, nil)
			lastOutcome = StepResult{Status: Blocked, Reason: blockedReason(govResult)}
			continue
		}
		lastOutcome = o.dispatch(ctx, g, inst, action, rc, decision, evalSnap, govResult)
	}
	if inst.Status == domain.InstanceCompleted {
		return StepResult{Status: Completed, Reason: decision.SelectionReason}
	}
	if lastOutcome.Status == "" {
		lastOutcome = StepResult{Status: Waiting, Reason: decision.SelectionReason}
	}
	return lastOutcome
}

func (o *Orchestrator) dispatch(
	ctx context.Context,
	g *domain.ProcessGraph,
	inst *domain.ProcessInstance,
	action eligibility.CandidateAction,
	rc ports.RuntimeContext,
	decision navigation.Decision,
	evalSnap map[string]any,
	gov governance.Result,
) StepResult {
	node := *action.Node
	handler, ok := o.Actions.Resolve(node.Action.Type, node.Action.HandlerRef)
	if !ok {
		o.trace(ctx, inst.ID, tracing.TraceExecution, rc, decision, evalSnap, gov, map[string]any{"error": "no handler registered"})
		return StepResult{Status: Blocked, Reason: "no handler registered for " + string(node.Action.Type) + "/" + node.Action.HandlerRef}
	}

	if _, active := inst.ActiveNodeIDs[node.ID]; !active {
		_ = inst.StartNodeExecution(node.ID)
	}

	for _, emission := range node.EventConfig.Emissions {
		if emission.Timing == domain.EventTimingOnStart {
			o.Events.EmitNodeEvent(ctx, inst.ID, emission, flatVars(rc))
		}
	}

	ac := ports.ActionContext{InstanceID: inst.ID, Node: node, Runtime: rc}
	var result ports.ActionResult
	if node.Action.Config.Async && handler.SupportsAsync() {
		result = handler.ExecuteAsync(ctx, ac)
	} else {
		result = runWithTimeout(ctx, handler, ac, node.Action.Config.TimeoutSeconds)
	}

	outcome := map[string]any{"status": string(result.Status), "nodeId": node.ID}

	switch result.Status {
	case ports.ActionCompleted:
		_ = inst.CompleteNodeExecution(node.ID, result.Output)
		_ = inst.UpdateContext(inst.Context.UpdateEntityState(node.ID, result.Output))
		o.Compensation.ResetCounter(inst.ID, node.ID)
		for _, emission := range node.EventConfig.Emissions {
			if emission.Timing == domain.EventTimingOnComplete {
				o.Events.EmitNodeEvent(ctx, inst.ID, emission, mergeVars(rc, result.Output))
			}
		}
		o.settleBranch(g, inst, action, false)
		o.trace(ctx, inst.ID, tracing.TraceExecution, rc, decision, evalSnap, gov, outcome)
		o.maybeComplete(ctx, g, inst)
		if inst.Status == domain.InstanceCompleted {
			return StepResult{Status: Completed, Reason: "terminal node " + node.ID + " completed"}
		}
		return StepResult{Status: Executed, Reason: "node " + node.ID + " completed"}

	case ports.ActionPending, ports.ActionWaiting:
		if result.Status == ports.ActionWaiting {
			markNodeStatus(inst, node.ID, domain.NodeExecWaiting)
		} else {
			markNodeStatus(inst, node.ID, domain.NodeExecPending)
		}
		outcome["note"] = "action is asynchronous; awaiting a future orchestration event"
		o.trace(ctx, inst.ID, tracing.TraceExecution, rc, decision, evalSnap, gov, outcome)
		return StepResult{Status: Executed, Reason: "node " + node.ID + " is pending/waiting"}

	default: // ports.ActionFailed
		execErr := domain.ExecutionError{Type: "UNKNOWN", Message: "action failed"}
		if result.Err != nil {
			execErr = *result.Err
		}
		_ = inst.FailNodeExecution(node.ID, execErr)

		comp := o.Compensation.Decide(inst.ID, node, action.IncomingEdge, execErr.Type)
		outcome["error"] = execErr.Type
		outcome["compensation"] = string(comp.Strategy)
		outcome["compensationReason"] = comp.Reason
		if comp.Strategy == domain.CompensationRetry {
			outcome["retryDelayMs"] = comp.Delay.Milliseconds()
		}
		o.applyCompensation(g, inst, action, node, comp)
		o.trace(ctx, inst.ID, tracing.TraceExecution, rc, decision, evalSnap, gov, outcome)
		return StepResult{Status: o.statusForCompensation(comp), Reason: comp.Reason}
	}
}

// settleBranch updates branch state after a node settles: a failed node
// kills its branch; a completed node whose outbound path fans into a join
// (or has nowhere further to go) completes it; otherwise the branch stays
// RUNNING and advances with the flow.
func (o *Orchestrator) settleBranch(g *domain.ProcessGraph, inst *domain.ProcessInstance, action eligibility.CandidateAction, failed bool) {
	if coordinator.IsJoinTarget(g, action.Node.ID) {
		// The join target itself is not on any single branch.
		return
	}
	if failed {
		o.Coordinator.CompleteBranchAt(inst.ID, action.Node.ID, true)
		return
	}
	if nodeFansIn(g, action.Node.ID) {
		o.Coordinator.CompleteBranchAt(inst.ID, action.Node.ID, false)
	}
}

// nodeFansIn reports whether the flow past nodeID ends this branch: the
// node has no outbound edges, or an outbound edge targets a join.
func nodeFansIn(g *domain.ProcessGraph, nodeID string) bool {
	outbound := g.OutboundEdges(nodeID)
	if len(outbound) == 0 {
		return true
	}
	for _, e := range outbound {
		if coordinator.IsJoinTarget(g, e.TargetNodeID) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) applyCompensation(g *domain.ProcessGraph, inst *domain.ProcessInstance, action eligibility.CandidateAction, node domain.Node, comp compensation.Action) {
	switch comp.Strategy {
	case domain.CompensationRetry:
		_ = inst.StartNodeExecution(node.ID) // node re-enters IN_PROGRESS for the next Step
	case domain.CompensationAlternate, domain.CompensationEscalate:
		if comp.TargetNodeID != "" && comp.TargetNodeID != node.ID {
			_ = inst.StartNodeExecution(comp.TargetNodeID)
		}
	case domain.CompensationSkip:
		_ = inst.SkipNodeExecution(node.ID)
		o.settleBranch(g, inst, action, true)
	case domain.CompensationRollback:
		_ = inst.SkipNodeExecution(node.ID)
		o.settleBranch(g, inst, action, true)
	case domain.CompensationFail:
		o.settleBranch(g, inst, action, true)
		_ = inst.Fail()
		o.cleanupTerminal(inst.ID)
	}
}

func (o *Orchestrator) statusForCompensation(comp compensation.Action) StepStatus {
	if comp.Strategy == domain.CompensationFail {
		return Failed
	}
	return Executed
}

func (o *Orchestrator) maybeComplete(ctx context.Context, g *domain.ProcessGraph, inst *domain.ProcessInstance) {
	if len(inst.ActiveNodeIDs) != 0 {
		return
	}
	if _, ok := lastCompletedTerminal(g, inst); !ok {
		return
	}
	if err := inst.Complete(); err == nil {
		o.cleanupTerminal(inst.ID)
		o.Events.EmitInstanceCompleted(ctx, inst.ID)
	}
}

func lastCompletedTerminal(g *domain.ProcessGraph, inst *domain.ProcessInstance) (string, bool) {
	for i := len(inst.History) - 1; i >= 0; i-- {
		ne := inst.History[i]
		if ne.Status != domain.NodeExecCompleted {
			continue
		}
		for _, id := range g.TerminalNodeIDs {
			if id == ne.NodeID {
				return ne.NodeID, true
			}
		}
		return "", false
	}
	return "", false
}

func (o *Orchestrator) cleanupTerminal(instanceID string) {
	o.Coordinator.CleanupInstance(instanceID)
	o.Compensation.CleanupInstance(instanceID)
	o.Governor.CleanupInstance(instanceID)
}

func (o *Orchestrator) trace(
	ctx context.Context,
	instanceID string,
	typ tracing.TraceType,
	rc ports.RuntimeContext,
	decision navigation.Decision,
	evalSnap map[string]any,
	gov any,
	outcome map[string]any,
) {
	t := tracing.DecisionTrace{
		InstanceID: instanceID,
		Type:       typ,
		Timestamp:  time.Now(),
		ContextSnapshot: map[string]any{
			"clientContext": rc.ClientContext,
			"domainContext": rc.DomainContext,
		},
		EvaluationSnapshot: evalSnap,
		DecisionSnapshot: map[string]any{
			"type":              string(decision.Type),
			"selectionCriteria": string(decision.SelectionCriteria),
			"selectionReason":   decision.SelectionReason,
			"alternatives":      alternativeIDs(decision),
		},
		OutcomeSnapshot: outcome,
	}
	if gov != nil {
		if gr, ok := gov.(governance.Result); ok {
			t.GovernanceSnapshot = map[string]any{
				"idempotency":   string(gr.Idempotency),
				"authorization": string(gr.Authorization),
				"policyGate":    string(gr.PolicyGate),
				"approved":      gr.Approved(),
			}
		}
	}
	if _, err := o.Traces.Append(ctx, t); err != nil {
		o.Log.Error().Err(err).Str("instanceId", instanceID).Msg("failed to append decision trace")
	}
}

func evaluationSnapshot(space eligibility.EligibleSpace) map[string]any {
	traversable := 0
	for _, e := range space.TraversableEdges {
		if e.Traversable {
			traversable++
		}
	}
	return map[string]any{
		"eligibleNodes":    len(space.EligibleNodes),
		"traversableEdges": traversable,
		"candidateActions": len(space.CandidateActions),
	}
}

func alternativeIDs(decision navigation.Decision) []string {
	out := make([]string, 0, len(decision.AlternativesConsidered))
	for _, alt := range decision.AlternativesConsidered {
		if alt.IncomingEdge != nil {
			out = append(out, alt.IncomingEdge.ID)
		} else {
			out = append(out, alt.Node.ID)
		}
	}
	return out
}

func blockedReason(r governance.Result) string {
	switch {
	case r.Idempotency == governance.AlreadyExecuted:
		return "ALREADY_EXECUTED"
	case r.Authorization == governance.Unauthorized:
		return "UNAUTHORIZED"
	default:
		return "POLICY_DENIED"
	}
}

// markNodeStatus keeps an asynchronous action's node in WAITING/PENDING
// without completing the execution.
func markNodeStatus(inst *domain.ProcessInstance, nodeID string, status domain.NodeExecutionStatus) {
	for i := len(inst.History) - 1; i >= 0; i-- {
		if inst.History[i].NodeID == nodeID {
			inst.History[i].Status = status
			return
		}
	}
}

func flatVars(rc ports.RuntimeContext) map[string]any {
	out := make(map[string]any, len(rc.DomainContext)+len(rc.AccumulatedState)+len(rc.ClientContext))
	for k, v := range rc.ClientContext {
		out[k] = v
	}
	for k, v := range rc.DomainContext {
		out[k] = v
	}
	for k, v := range rc.AccumulatedState {
		out[k] = v
	}
	return out
}

func mergeVars(rc ports.RuntimeContext, output map[string]any) map[string]any {
	out := flatVars(rc)
	for k, v := range output {
		out[k] = v
	}
	return out
}

func navigatesEdge(decision navigation.Decision) bool {
	for _, a := range decision.SelectedActions {
		if a.IncomingEdge != nil {
			return true
		}
	}
	return false
}

// runWithTimeout enforces the per-action timeoutSeconds contract: if the
// handler has not completed by then, it is treated as FAILED with error
// type TIMEOUT, and compensation runs from there.
func runWithTimeout(ctx context.Context, handler ports.ActionHandler, ac ports.ActionContext, timeoutSeconds int) ports.ActionResult {
	if timeoutSeconds <= 0 {
		return handler.Execute(ctx, ac)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	resultCh := make(chan ports.ActionResult, 1)
	go func() {
		resultCh <- handler.Execute(timeoutCtx, ac)
	}()

	select {
	case res := <-resultCh:
		return res
	case <-timeoutCtx.Done():
		return ports.ActionResult{
			Status: ports.ActionFailed,
			Err:    &domain.ExecutionError{Type: "TIMEOUT", Message: "action exceeded timeoutSeconds"},
		}
	}
}
