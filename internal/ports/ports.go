// Package ports declares the abstract capabilities the orchestration core
// consumes or exposes. Every port here is pure interface: the core never
// imports a specific expression/rule/policy engine or storage driver
// directly.
package ports

import (
	"context"
	"time"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

// EvalResult is the outcome of evaluating a single FeelExpression.
type EvalResult struct {
	Success bool
	Result  any
	Err     error
}

// ExpressionEvaluator evaluates a single expression against a flat keyed
// context. Implementations must treat a missing identifier as the null
// value, never as a failure; internal/exprlang is the production
// implementation.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expr domain.FeelExpression, vars map[string]any) EvalResult
}

// RuleResult is the named-outputs result of one decision-table evaluation.
type RuleResult struct {
	RuleID  string
	Outputs map[string]any
	Err     error
}

// RuleEvaluator evaluates a referenced decision table.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, ruleID string, vars map[string]any) RuleResult
}

// PolicyResult is a policy-gate evaluation's outcome.
type PolicyResult struct {
	PolicyID string
	Outcome  domain.PolicyOutcome
	Details  string
	Err      error
}

// Blocks reports whether this result should block the owning node/edge:
// true iff the outcome is DENIED, or REVIEW_REQUIRED when the gate's
// required outcome differs from REVIEW_REQUIRED.
func (r PolicyResult) Blocks(required domain.PolicyOutcome) bool {
	if r.Outcome == domain.PolicyDenied {
		return true
	}
	if r.Outcome == domain.PolicyReviewRequired && required != domain.PolicyReviewRequired {
		return true
	}
	return false
}

// PolicyEvaluator evaluates a referenced policy decision.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, policyID string, vars map[string]any) PolicyResult
}

// ActionResultStatus is the outcome category an ActionHandler returns.
type ActionResultStatus string

const (
	ActionCompleted ActionResultStatus = "COMPLETED"
	ActionPending   ActionResultStatus = "PENDING"
	ActionWaiting   ActionResultStatus = "WAITING"
	ActionFailed    ActionResultStatus = "FAILED"
)

// ActionResult is what an ActionHandler returns from execute/executeAsync.
type ActionResult struct {
	Status ActionResultStatus
	Output map[string]any
	Err    *domain.ExecutionError
}

// ActionContext is the input handed to an ActionHandler: the node's action
// configuration plus the assembled runtime context for this cycle.
type ActionContext struct {
	InstanceID string
	Node       domain.Node
	Runtime    RuntimeContext
}

// ActionHandler executes the side-effectful work behind one Node.Action.
type ActionHandler interface {
	Execute(ctx context.Context, ac ActionContext) ActionResult
	SupportsAsync() bool
	ExecuteAsync(ctx context.Context, ac ActionContext) ActionResult
}

// ActionHandlerRegistry resolves (ActionType, handlerRef) to a bound
// ActionHandler.
type ActionHandlerRegistry interface {
	Resolve(actionType domain.ActionType, handlerRef string) (ActionHandler, bool)
}

// RuntimeContext is the assembled evaluation input for one orchestration
// cycle; see internal/runtimectx for the assembler.
type RuntimeContext struct {
	ClientContext      map[string]any
	DomainContext      map[string]any
	AccumulatedState   map[string]any
	OperationalSignals map[string]any
	ReceivedEvents     []domain.ReceivedEvent
	AssembledAt        time.Time
	Principal          Principal
}

// Principal identifies the authenticated actor bound to a RuntimeContext,
// used by the Execution Governor's authorization check.
type Principal struct {
	Subject     string
	Permissions map[string]bool
}

// HasPermission reports whether perm (e.g. "execute:SYSTEM_INVOCATION")
// is granted to this principal.
func (p Principal) HasPermission(perm string) bool {
	if p.Permissions == nil {
		return false
	}
	return p.Permissions[perm]
}

// ProcessGraphRepository persists and retrieves ProcessGraph templates.
type ProcessGraphRepository interface {
	Save(ctx context.Context, g *domain.ProcessGraph) error
	FindByID(ctx context.Context, graphID string, version int) (*domain.ProcessGraph, error)
	FindLatestPublished(ctx context.Context, graphID string) (*domain.ProcessGraph, error)
}

// ProcessInstanceRepository persists and retrieves ProcessInstance state.
type ProcessInstanceRepository interface {
	Save(ctx context.Context, p *domain.ProcessInstance) error
	FindByID(ctx context.Context, instanceID string) (*domain.ProcessInstance, error)
	FindRunning(ctx context.Context) ([]*domain.ProcessInstance, error)
}

// EventPublisher emits process events out of the core (start/complete/fail
// notifications), independent of the orchestrator's own internal queue.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any) error
}
