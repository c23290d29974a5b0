package eventbridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

// Signaler enqueues an OrchestrationEvent; implemented by the Process
// Orchestrator. Kept as a local interface so the bridge does not depend on
// the orchestrator package.
type Signaler interface {
	Signal(ctx context.Context, evt OrchestrationEvent) error
}

// Bridge translates process-level events into OrchestrationEvents for the
// queue and publishes them through the external EventPublisher. It is the
// EventEmitter the Instance Orchestrator calls for node emissions and
// instance completion.
type Bridge struct {
	Catalog   *Catalog
	Publisher ports.EventPublisher
	Expr      ports.ExpressionEvaluator
	Queue     Signaler
	Log       zerolog.Logger
}

func NewBridge(catalog *Catalog, publisher ports.EventPublisher, expr ports.ExpressionEvaluator, log zerolog.Logger) *Bridge {
	return &Bridge{
		Catalog:   catalog,
		Publisher: publisher,
		Expr:      expr,
		Log:       log.With().Str("component", "eventbridge").Logger(),
	}
}

// BindQueue attaches the orchestrator's queue after construction; the
// orchestrator and the bridge reference each other, so one side binds late.
func (b *Bridge) BindQueue(q Signaler) { b.Queue = q }

// EmitNodeEvent evaluates the emission's payload expression (when present)
// against vars, publishes the event externally, and re-enqueues it as a
// DomainEvent so sibling instances subscribed to the type get reevaluated.
func (b *Bridge) EmitNodeEvent(ctx context.Context, instanceID string, emission domain.EventEmission, vars map[string]any) {
	payload := map[string]any{}
	if emission.Payload != "" {
		res := b.Expr.Evaluate(ctx, emission.Payload, vars)
		if res.Success {
			if m, ok := res.Result.(map[string]any); ok {
				payload = m
			} else if res.Result != nil {
				payload = map[string]any{"value": res.Result}
			}
		} else {
			b.Log.Warn().Str("instanceId", instanceID).Str("eventType", emission.EventType).Err(res.Err).Msg("emission payload expression failed; emitting empty payload")
		}
	}

	if err := b.Publisher.Publish(ctx, emission.EventType, payload); err != nil {
		b.Log.Error().Err(err).Str("eventType", emission.EventType).Msg("failed to publish node event")
	}
	b.enqueue(ctx, NewDomainEvent(emission.EventType, "", payload))
}

// EmitInstanceCompleted publishes the instance-completion event.
func (b *Bridge) EmitInstanceCompleted(ctx context.Context, instanceID string) {
	payload := map[string]any{"instanceId": instanceID, "completedAt": time.Now().Format(time.RFC3339)}
	if err := b.Publisher.Publish(ctx, "ProcessInstanceCompleted", payload); err != nil {
		b.Log.Error().Err(err).Str("instanceId", instanceID).Msg("failed to publish completion event")
	}
}

// AsyncCompleted translates an action handler's late completion into a
// NodeCompleted queue event.
func (b *Bridge) AsyncCompleted(ctx context.Context, instanceID, nodeID string, output map[string]any) {
	b.enqueue(ctx, NewNodeCompleted(instanceID, nodeID, output))
}

// AsyncFailed translates an action handler's late failure into a NodeFailed
// queue event.
func (b *Bridge) AsyncFailed(ctx context.Context, instanceID, nodeID, errorType, message string) {
	b.enqueue(ctx, NewNodeFailed(instanceID, nodeID, errorType, message))
}

// SendByType fabricates a payload for a known event type (when the caller
// sends none) and enqueues the resulting DomainEvent.
func (b *Bridge) SendByType(ctx context.Context, eventType, correlationID string, payload map[string]any) error {
	evt := NewDomainEvent(eventType, correlationID, b.Catalog.PayloadFor(eventType, payload))
	if b.Queue == nil {
		return domain.NewDomainError(domain.ErrCodeInvalidState, "event bridge has no bound queue", nil)
	}
	return b.Queue.Signal(ctx, evt)
}

func (b *Bridge) enqueue(ctx context.Context, evt OrchestrationEvent) {
	if b.Queue == nil {
		return
	}
	if err := b.Queue.Signal(ctx, evt); err != nil {
		b.Log.Warn().Err(err).Str("kind", string(evt.Kind())).Msg("queue rejected bridged event")
	}
}

// ToReceivedEvent folds an OrchestrationEvent into the shape stored on an
// instance's execution context.
func ToReceivedEvent(evt OrchestrationEvent) domain.ReceivedEvent {
	re := domain.ReceivedEvent{
		EventID:   evt.EventID(),
		Timestamp: evt.OccurredAt(),
	}
	switch e := evt.(type) {
	case DomainEvent:
		re.EventType = e.EventType
		re.Payload = e.Payload
	case DataChange:
		re.EventType = string(KindDataChange)
		re.Payload = e.Payload
	case Approval:
		re.EventType = string(KindApproval)
		re.Payload = mergePayload(e.Payload, map[string]any{"approved": e.Approved, "approver": e.Approver})
	case Failure:
		re.EventType = string(KindFailure)
		re.Payload = mergePayload(e.Payload, map[string]any{"reason": e.Reason})
	case TimerExpired:
		re.EventType = string(KindTimerExpired)
		re.Payload = map[string]any{"obligation": e.ObligationKind, "dueAt": e.DueAt}
	case PolicyUpdate:
		re.EventType = string(KindPolicyUpdate)
		re.Payload = map[string]any{"policyId": e.PolicyID}
	case NodeCompleted:
		re.EventType = string(KindNodeCompleted)
		re.Payload = mergePayload(e.Output, map[string]any{"nodeId": e.NodeID})
	case NodeFailed:
		re.EventType = string(KindNodeFailed)
		re.Payload = map[string]any{"nodeId": e.NodeID, "errorType": e.ErrorType, "message": e.Message}
	default:
		re.EventType = string(evt.Kind())
	}
	if re.EventID == "" {
		re.EventID = uuid.NewString()
	}
	return re
}

func mergePayload(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// MemoryPublisher is an in-memory EventPublisher for tests and local runs.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// PublishedEvent is one record kept by MemoryPublisher.
type PublishedEvent struct {
	EventType string
	Payload   map[string]any
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{EventType: eventType, Payload: payload})
	return nil
}

// Events returns everything published so far.
func (p *MemoryPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedEvent{}, p.events...)
}
