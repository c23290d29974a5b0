package domain

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle status of a ProcessInstance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceSuspended InstanceStatus = "SUSPENDED"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// NodeExecutionStatus is the status of one NodeExecution record.
type NodeExecutionStatus string

const (
	NodeExecInProgress NodeExecutionStatus = "IN_PROGRESS"
	NodeExecWaiting    NodeExecutionStatus = "WAITING"
	NodeExecPending    NodeExecutionStatus = "PENDING"
	NodeExecCompleted  NodeExecutionStatus = "COMPLETED"
	NodeExecFailed     NodeExecutionStatus = "FAILED"
	NodeExecSkipped    NodeExecutionStatus = "SKIPPED"
)

// isActive reports whether a NodeExecution in this status keeps its node
// in ProcessInstance.ActiveNodeIDs.
func (s NodeExecutionStatus) isActive() bool {
	switch s {
	case NodeExecInProgress, NodeExecWaiting, NodeExecPending:
		return true
	default:
		return false
	}
}

// NodeExecution is one attempt (or ongoing attempt) at executing a node.
type NodeExecution struct {
	NodeID      string
	Status      NodeExecutionStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Result      map[string]any
	Error       *ExecutionError
}

// ExecutionError captures the failure an action handler or evaluator
// surfaced, for storage alongside a NodeExecution.
type ExecutionError struct {
	Type    string // e.g. TRANSIENT, TIMEOUT, or a handler-defined type
	Message string
}

// ReceivedEvent is one event folded into an ExecutionContext's history.
type ReceivedEvent struct {
	EventType string
	EventID   string
	Timestamp time.Time
	Payload   map[string]any
}

// Obligation is a pending operational commitment (e.g. an SLA deadline)
// recorded on the context rather than computed ad hoc.
type Obligation struct {
	Kind      string
	DueAt     time.Time
	Satisfied bool
}

// ExecutionContext is an immutable snapshot of a ProcessInstance's data.
// Every mutation documented here (AddEvent, UpdateEntityState, With*)
// returns a new value; none mutate the receiver in place, because
// DecisionTrace retains references into past snapshots.
type ExecutionContext struct {
	ClientContext     map[string]any
	DomainContext     map[string]any
	AccumulatedState  map[string]any
	OperationalSignals map[string]any
	ReceivedEvents    []ReceivedEvent
	Obligations       []Obligation
}

func NewExecutionContext() ExecutionContext {
	return ExecutionContext{
		ClientContext:      map[string]any{},
		DomainContext:      map[string]any{},
		AccumulatedState:   map[string]any{},
		OperationalSignals: map[string]any{},
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone produces a deep-enough copy (new top-level maps/slices) so the
// receiver is never aliased by the returned snapshot.
func (c ExecutionContext) clone() ExecutionContext {
	return ExecutionContext{
		ClientContext:      cloneMap(c.ClientContext),
		DomainContext:      cloneMap(c.DomainContext),
		AccumulatedState:   cloneMap(c.AccumulatedState),
		OperationalSignals: cloneMap(c.OperationalSignals),
		ReceivedEvents:     append([]ReceivedEvent{}, c.ReceivedEvents...),
		Obligations:        append([]Obligation{}, c.Obligations...),
	}
}

// AddEvent returns a new ExecutionContext with evt appended to the
// received-events history.
func (c ExecutionContext) AddEvent(evt ReceivedEvent) ExecutionContext {
	next := c.clone()
	next.ReceivedEvents = append(next.ReceivedEvents, evt)
	return next
}

// UpdateEntityState returns a new ExecutionContext with the given node's
// output folded into accumulated state under nodeId.
func (c ExecutionContext) UpdateEntityState(nodeID string, output map[string]any) ExecutionContext {
	next := c.clone()
	next.AccumulatedState[nodeID] = output
	return next
}

// HasEvent reports whether an event of eventType is present in the
// context's received-events history.
func (c ExecutionContext) HasEvent(eventType string) bool {
	for _, e := range c.ReceivedEvents {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

// ProcessInstance is a running occurrence of a ProcessGraph. It exclusively
// owns its context, history, and branch state; it references its
// ProcessGraph by (graphId, graphVersion) and never mutates it.
type ProcessInstance struct {
	ID            string
	GraphID       string
	GraphVersion  int
	CorrelationID string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        InstanceStatus
	Context       ExecutionContext
	History       []NodeExecution
	ActiveNodeIDs map[string]bool
	PendingEdgeIDs map[string]bool
	Revision      int64 // monotonically increasing, for optimistic concurrency
}

func NewProcessInstance(graphID string, graphVersion int, correlationID string, ctx ExecutionContext) *ProcessInstance {
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	return &ProcessInstance{
		ID:             id,
		GraphID:        graphID,
		GraphVersion:   graphVersion,
		CorrelationID:  correlationID,
		StartedAt:      time.Now(),
		Status:         InstanceRunning,
		Context:        ctx,
		ActiveNodeIDs:  map[string]bool{},
		PendingEdgeIDs: map[string]bool{},
		Revision:       1,
	}
}

func invalidState(op string) error {
	return NewDomainError(ErrCodeInvalidState, "cannot "+op+": instance is in a terminal status", nil)
}

// HasExecutedNode reports true for any NodeExecution status other than
// IN_PROGRESS/WAITING/PENDING, i.e. the node has reached a settled outcome
// at least once.
func (p *ProcessInstance) HasExecutedNode(nodeID string) bool {
	for _, ne := range p.History {
		if ne.NodeID == nodeID && !ne.Status.isActive() {
			return true
		}
	}
	return false
}

// LatestExecution returns the most recent NodeExecution for nodeID, if any.
func (p *ProcessInstance) LatestExecution(nodeID string) (NodeExecution, bool) {
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].NodeID == nodeID {
			return p.History[i], true
		}
	}
	return NodeExecution{}, false
}

// ExecutionCount returns how many NodeExecution records exist for nodeID,
// used by the Execution Governor's idempotency key.
func (p *ProcessInstance) ExecutionCount(nodeID string) int {
	n := 0
	for _, ne := range p.History {
		if ne.NodeID == nodeID {
			n++
		}
	}
	return n
}

func (p *ProcessInstance) syncActiveNodeIDs() {
	p.ActiveNodeIDs = map[string]bool{}
	latest := map[string]int{}
	for i, ne := range p.History {
		latest[ne.NodeID] = i
	}
	for nodeID, idx := range latest {
		if p.History[idx].Status.isActive() {
			p.ActiveNodeIDs[nodeID] = true
		}
	}
}

func (p *ProcessInstance) bumpRevision() {
	p.Revision++
}

// StartNodeExecution appends an IN_PROGRESS NodeExecution for nodeID.
func (p *ProcessInstance) StartNodeExecution(nodeID string) error {
	if p.Status.IsTerminal() {
		return invalidState("start node execution")
	}
	p.History = append(p.History, NodeExecution{
		NodeID:    nodeID,
		Status:    NodeExecInProgress,
		StartedAt: time.Now(),
	})
	p.syncActiveNodeIDs()
	p.bumpRevision()
	return nil
}

// CompleteNodeExecution marks the latest execution of nodeID COMPLETED
// with the given output.
func (p *ProcessInstance) CompleteNodeExecution(nodeID string, output map[string]any) error {
	if p.Status.IsTerminal() {
		return invalidState("complete node execution")
	}
	idx := p.lastIndexOf(nodeID)
	if idx < 0 {
		return NewDomainError(ErrCodeNotFound, "no execution in progress for node "+nodeID, nil)
	}
	now := time.Now()
	p.History[idx].Status = NodeExecCompleted
	p.History[idx].CompletedAt = &now
	p.History[idx].Result = output
	p.syncActiveNodeIDs()
	p.bumpRevision()
	return nil
}

// FailNodeExecution marks the latest execution of nodeID FAILED.
func (p *ProcessInstance) FailNodeExecution(nodeID string, execErr ExecutionError) error {
	if p.Status.IsTerminal() {
		return invalidState("fail node execution")
	}
	idx := p.lastIndexOf(nodeID)
	if idx < 0 {
		return NewDomainError(ErrCodeNotFound, "no execution in progress for node "+nodeID, nil)
	}
	now := time.Now()
	p.History[idx].Status = NodeExecFailed
	p.History[idx].CompletedAt = &now
	p.History[idx].Error = &execErr
	p.syncActiveNodeIDs()
	p.bumpRevision()
	return nil
}

// SkipNodeExecution marks the latest execution of nodeID SKIPPED, or
// appends a new SKIPPED record if nodeID has no execution yet.
func (p *ProcessInstance) SkipNodeExecution(nodeID string) error {
	if p.Status.IsTerminal() {
		return invalidState("skip node execution")
	}
	now := time.Now()
	idx := p.lastIndexOf(nodeID)
	if idx < 0 {
		p.History = append(p.History, NodeExecution{
			NodeID:      nodeID,
			Status:      NodeExecSkipped,
			StartedAt:   now,
			CompletedAt: &now,
		})
	} else {
		p.History[idx].Status = NodeExecSkipped
		p.History[idx].CompletedAt = &now
	}
	p.syncActiveNodeIDs()
	p.bumpRevision()
	return nil
}

func (p *ProcessInstance) lastIndexOf(nodeID string) int {
	for i := len(p.History) - 1; i >= 0; i-- {
		if p.History[i].NodeID == nodeID {
			return i
		}
	}
	return -1
}

// UpdateContext atomically replaces the instance's context snapshot.
func (p *ProcessInstance) UpdateContext(next ExecutionContext) error {
	if p.Status.IsTerminal() {
		return invalidState("update context")
	}
	p.Context = next
	p.bumpRevision()
	return nil
}

// ActivatePendingEdge records edgeID as pending a downstream join.
func (p *ProcessInstance) ActivatePendingEdge(edgeID string) error {
	if p.Status.IsTerminal() {
		return invalidState("activate pending edge")
	}
	if p.PendingEdgeIDs == nil {
		p.PendingEdgeIDs = map[string]bool{}
	}
	p.PendingEdgeIDs[edgeID] = true
	p.bumpRevision()
	return nil
}

func (p *ProcessInstance) transitionTo(status InstanceStatus) error {
	if p.Status.IsTerminal() {
		return invalidState("transition instance")
	}
	p.Status = status
	if status.IsTerminal() {
		now := time.Now()
		p.CompletedAt = &now
	}
	p.bumpRevision()
	return nil
}

func (p *ProcessInstance) Suspend() error { return p.transitionTo(InstanceSuspended) }

// Resume moves a SUSPENDED instance back to RUNNING; callers are expected
// to follow this with a full reevaluation cycle (see internal/instanceorch).
func (p *ProcessInstance) Resume() error {
	if p.Status != InstanceSuspended {
		return invalidState("resume")
	}
	p.Status = InstanceRunning
	p.bumpRevision()
	return nil
}

func (p *ProcessInstance) Complete() error { return p.transitionTo(InstanceCompleted) }
func (p *ProcessInstance) Fail() error     { return p.transitionTo(InstanceFailed) }

// Cancel is idempotent: cancelling an already-cancelled instance succeeds
// as a no-op rather than erroring.
func (p *ProcessInstance) Cancel() error {
	if p.Status == InstanceCancelled {
		return nil
	}
	return p.transitionTo(InstanceCancelled)
}
