// Package eventbridge defines the OrchestrationEvent variants consumed by
// the Process Orchestrator's queue, the domain event catalog of well-known
// event types, and the bridge that translates low-level process events
// (node start/complete/fail) into queue events.
package eventbridge

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags an OrchestrationEvent variant.
type EventKind string

const (
	KindDataChange    EventKind = "DATA_CHANGE"
	KindApproval      EventKind = "APPROVAL"
	KindFailure       EventKind = "FAILURE"
	KindTimerExpired  EventKind = "TIMER_EXPIRED"
	KindPolicyUpdate  EventKind = "POLICY_UPDATE"
	KindNodeCompleted EventKind = "NODE_COMPLETED"
	KindNodeFailed    EventKind = "NODE_FAILED"
	KindDomainEvent   EventKind = "DOMAIN_EVENT"
)

// OrchestrationEvent is the tagged union dequeued by the Process
// Orchestrator. Each variant carries only its own data; exhaustive
// handling switches on Kind().
type OrchestrationEvent interface {
	Kind() EventKind
	EventID() string
	// CorrelationID matches an instance's id or correlationId; empty means
	// broadcast to every RUNNING instance.
	CorrelationID() string
	OccurredAt() time.Time
	// RestrictToGraphID narrows a broadcast to instances of one graph;
	// empty means no restriction.
	RestrictToGraphID() string
}

// baseEvent carries the fields every variant shares.
type baseEvent struct {
	ID            string
	Correlation   string
	At            time.Time
	GraphRestrict string
}

func newBase(correlationID string) baseEvent {
	return baseEvent{ID: uuid.NewString(), Correlation: correlationID, At: time.Now()}
}

func (b baseEvent) EventID() string           { return b.ID }
func (b baseEvent) CorrelationID() string     { return b.Correlation }
func (b baseEvent) OccurredAt() time.Time     { return b.At }
func (b baseEvent) RestrictToGraphID() string { return b.GraphRestrict }

// DataChange signals that externally owned data an instance depends on has
// changed; the payload is folded into the instance's received events.
type DataChange struct {
	baseEvent
	EntityType string
	Payload    map[string]any
}

func (DataChange) Kind() EventKind { return KindDataChange }

// Approval signals a human or system approval outcome.
type Approval struct {
	baseEvent
	Approved bool
	Approver string
	Payload  map[string]any
}

func (Approval) Kind() EventKind { return KindApproval }

// Failure signals an out-of-band failure affecting an instance.
type Failure struct {
	baseEvent
	Reason  string
	Payload map[string]any
}

func (Failure) Kind() EventKind { return KindFailure }

// TimerExpired is delivered by the periodic tick when an instance's SLA
// obligation has fired.
type TimerExpired struct {
	baseEvent
	ObligationKind string
	DueAt          time.Time
}

func (TimerExpired) Kind() EventKind { return KindTimerExpired }

// PolicyUpdate signals that a policy referenced by running instances has
// changed and affected instances should reevaluate.
type PolicyUpdate struct {
	baseEvent
	PolicyID string
}

func (PolicyUpdate) Kind() EventKind { return KindPolicyUpdate }

// NodeCompleted is the completion of an asynchronous action: the handler
// finished after its step returned PENDING/WAITING.
type NodeCompleted struct {
	baseEvent
	NodeID string
	Output map[string]any
}

func (NodeCompleted) Kind() EventKind { return KindNodeCompleted }

// NodeFailed is the failure of an asynchronous action.
type NodeFailed struct {
	baseEvent
	NodeID    string
	ErrorType string
	Message   string
}

func (NodeFailed) Kind() EventKind { return KindNodeFailed }

// DomainEvent is a business event; it correlates either by correlationId or
// by event-type subscription in the pinned graph.
type DomainEvent struct {
	baseEvent
	EventType string
	NodeID    string
	Payload   map[string]any
}

func (DomainEvent) Kind() EventKind { return KindDomainEvent }

// NewDataChange builds a DataChange event for entityType.
func NewDataChange(entityType, correlationID string, payload map[string]any) DataChange {
	return DataChange{baseEvent: newBase(correlationID), EntityType: entityType, Payload: payload}
}

// NewApproval builds an Approval event.
func NewApproval(correlationID, approver string, approved bool, payload map[string]any) Approval {
	return Approval{baseEvent: newBase(correlationID), Approved: approved, Approver: approver, Payload: payload}
}

// NewFailure builds an out-of-band Failure event.
func NewFailure(correlationID, reason string, payload map[string]any) Failure {
	return Failure{baseEvent: newBase(correlationID), Reason: reason, Payload: payload}
}

// NewPolicyUpdate builds a PolicyUpdate broadcast for policyID.
func NewPolicyUpdate(policyID string) PolicyUpdate {
	return PolicyUpdate{baseEvent: newBase(""), PolicyID: policyID}
}

// NewDomainEvent builds a DomainEvent for eventType, correlated (or
// broadcast when correlationID is empty).
func NewDomainEvent(eventType, correlationID string, payload map[string]any) DomainEvent {
	return DomainEvent{baseEvent: newBase(correlationID), EventType: eventType, Payload: payload}
}

// NewNodeCompleted builds the async-completion event for a node.
func NewNodeCompleted(correlationID, nodeID string, output map[string]any) NodeCompleted {
	return NodeCompleted{baseEvent: newBase(correlationID), NodeID: nodeID, Output: output}
}

// NewNodeFailed builds the async-failure event for a node.
func NewNodeFailed(correlationID, nodeID, errorType, message string) NodeFailed {
	return NodeFailed{baseEvent: newBase(correlationID), NodeID: nodeID, ErrorType: errorType, Message: message}
}

// NewTimerExpired builds the tick-delivered SLA event.
func NewTimerExpired(correlationID, obligationKind string, dueAt time.Time) TimerExpired {
	return TimerExpired{baseEvent: newBase(correlationID), ObligationKind: obligationKind, DueAt: dueAt}
}
