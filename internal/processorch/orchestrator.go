// Package processorch is the process-level orchestrator: it owns the set
// of live instances, the bounded event queue, per-instance dispatch with
// an exclusive mutex, the instance lifecycle, and the periodic SLA tick.
package processorch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/eventbridge"
	"github.com/iHelio/cpg-project-sub000/internal/instanceorch"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
	"github.com/iHelio/cpg-project-sub000/internal/tracing"
)

// Config tunes the orchestrator's queue and scheduling behavior.
type Config struct {
	// EventQueueCapacity bounds the OrchestrationEvent queue.
	EventQueueCapacity int
	// EvaluationInterval is the periodic-tick period for SLA delivery.
	EvaluationInterval time.Duration
	// SignalTimeout is how long Signal blocks on a full queue before
	// returning EventRejected.
	SignalTimeout time.Duration
	// WorkerCount bounds how many per-instance steps run concurrently.
	WorkerCount int
}

func (c Config) withDefaults() Config {
	if c.EventQueueCapacity <= 0 {
		c.EventQueueCapacity = 1024
	}
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = 5 * time.Second
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = 2 * time.Second
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 8
	}
	return c
}

// instanceHandle is one live instance plus its exclusive step mutex: at
// most one step cycle per instance runs at any time. The pinned graph and
// principal ride along so event-driven steps reuse them.
type instanceHandle struct {
	mu        sync.Mutex
	inst      *domain.ProcessInstance
	graph     *domain.ProcessGraph
	principal ports.Principal
	released  bool // start-policy slot already freed for this instance
}

// Orchestrator owns the set of live instances, the event queue, and the
// background worker that drains it.
type Orchestrator struct {
	cfg       Config
	inner     *instanceorch.Orchestrator
	bridge    *eventbridge.Bridge
	instances ports.ProcessInstanceRepository
	traces    tracing.Store
	log       zerolog.Logger

	registry *xsync.MapOf[string, *instanceHandle]
	queue    chan eventbridge.OrchestrationEvent

	startPolicy *StartPolicy

	accepting atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	sem       chan struct{}
}

func New(
	cfg Config,
	inner *instanceorch.Orchestrator,
	bridge *eventbridge.Bridge,
	instances ports.ProcessInstanceRepository,
	traces tracing.Store,
	log zerolog.Logger,
) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		inner:       inner,
		bridge:      bridge,
		instances:   instances,
		traces:      traces,
		log:         log.With().Str("component", "processorch").Logger(),
		registry:    xsync.NewMapOf[string, *instanceHandle](),
		queue:       make(chan eventbridge.OrchestrationEvent, cfg.EventQueueCapacity),
		startPolicy: NewStartPolicy(),
		sem:         make(chan struct{}, cfg.WorkerCount),
	}
	bridge.BindQueue(o)
	return o
}

// Run starts the background worker and the periodic tick; it returns once
// both are running. Stop with Shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.accepting.Store(true)

	o.wg.Add(2)
	go o.drainLoop(runCtx)
	go o.tickLoop(runCtx)
}

// Start creates an instance of graph, registers it, publishes the start
// event, and invokes one entry cycle before returning the instance.
func (o *Orchestrator) Start(ctx context.Context, graph *domain.ProcessGraph, initial domain.ExecutionContext, correlationID string, principal ports.Principal) (*domain.ProcessInstance, error) {
	if graph.Status != domain.GraphStatusPublished {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidState, "graph "+graph.GraphID+" is not PUBLISHED", nil)
	}
	if ok, reason := o.startPolicy.CanStart(graph.GraphID); !ok {
		return nil, domain.NewDomainError(domain.ErrCodeEventRejected, "start rejected: "+reason, nil)
	}

	inst := domain.NewProcessInstance(graph.GraphID, graph.Version, correlationID, initial)
	h := &instanceHandle{inst: inst, graph: graph, principal: principal}
	o.registry.Store(inst.ID, h)
	o.startPolicy.RecordStart(graph.GraphID)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := o.instances.Save(ctx, inst); err != nil {
		o.registry.Delete(inst.ID)
		o.startPolicy.RecordTermination(graph.GraphID)
		return nil, domain.NewDomainError(domain.ErrCodeFatal, "failed to persist new instance", err)
	}

	o.bridge.SendByType(ctx, "ProcessInstanceStarted", inst.ID, map[string]any{
		"instanceId": inst.ID,
		"graphId":    graph.GraphID,
	})

	res := o.inner.Step(ctx, graph, inst, principal)
	o.afterStep(ctx, h, res)
	return inst, nil
}

// Signal enqueues evt, blocking up to the configured timeout when the
// queue is full, then returning EventRejected; the caller retries.
func (o *Orchestrator) Signal(ctx context.Context, evt eventbridge.OrchestrationEvent) error {
	if !o.accepting.Load() {
		return domain.NewDomainError(domain.ErrCodeEventRejected, "orchestrator is shutting down", nil)
	}
	select {
	case o.queue <- evt:
		return nil
	case <-ctx.Done():
		return domain.NewDomainError(domain.ErrCodeEventRejected, "context cancelled while enqueueing", ctx.Err())
	case <-time.After(o.cfg.SignalTimeout):
		return domain.NewDomainError(domain.ErrCodeEventRejected, "event queue is full", nil)
	}
}

// Suspend moves the instance to SUSPENDED.
func (o *Orchestrator) Suspend(ctx context.Context, instanceID string) error {
	return o.withHandle(ctx, instanceID, func(h *instanceHandle) error {
		if err := h.inst.Suspend(); err != nil {
			return err
		}
		return o.instances.Save(ctx, h.inst)
	})
}

// Resume moves a SUSPENDED instance back to RUNNING and triggers a full
// reevaluation cycle.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string) error {
	return o.withHandle(ctx, instanceID, func(h *instanceHandle) error {
		if err := h.inst.Resume(); err != nil {
			return err
		}
		res := o.inner.Step(ctx, h.graph, h.inst, h.principal)
		o.afterStep(ctx, h, res)
		return nil
	})
}

// Cancel is idempotent: repeated calls return success. The cancellation
// flag is the instance status itself. Cancel takes the per-instance mutex,
// so it waits for an in-flight step to finish and does not interrupt it;
// later steps and queued events see CANCELLED and do nothing.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	return o.withHandle(ctx, instanceID, func(h *instanceHandle) error {
		if err := h.inst.Cancel(); err != nil {
			return err
		}
		o.releaseSlot(h)
		return o.instances.Save(ctx, h.inst)
	})
}

// Status reports the instance status plus a human-readable reason drawn
// from the latest decision trace.
func (o *Orchestrator) Status(ctx context.Context, instanceID string) (domain.InstanceStatus, string, error) {
	h, ok := o.registry.Load(instanceID)
	if !ok {
		inst, err := o.instances.FindByID(ctx, instanceID)
		if err != nil {
			return "", "", err
		}
		return inst.Status, o.latestReason(ctx, instanceID), nil
	}
	h.mu.Lock()
	status := h.inst.Status
	h.mu.Unlock()
	return status, o.latestReason(ctx, instanceID), nil
}

// Step runs one explicit cycle for the instance, outside event delivery.
func (o *Orchestrator) Step(ctx context.Context, instanceID string) (instanceorch.StepResult, error) {
	var res instanceorch.StepResult
	err := o.withHandle(ctx, instanceID, func(h *instanceHandle) error {
		res = o.inner.Step(ctx, h.graph, h.inst, h.principal)
		o.afterStep(ctx, h, res)
		return nil
	})
	return res, err
}

// Shutdown stops accepting new signals, drains the queue up to deadline,
// then marks remaining RUNNING instances SUSPENDED.
func (o *Orchestrator) Shutdown(ctx context.Context, deadline time.Duration) {
	o.accepting.Store(false)

	drained := time.After(deadline)
loop:
	for {
		select {
		case <-drained:
			break loop
		default:
			if len(o.queue) == 0 {
				break loop
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.registry.Range(func(id string, h *instanceHandle) bool {
		h.mu.Lock()
		if h.inst.Status == domain.InstanceRunning {
			_ = h.inst.Suspend()
			_ = o.instances.Save(ctx, h.inst)
		}
		h.mu.Unlock()
		return true
	})
	o.log.Info().Msg("orchestrator shut down")
}

func (o *Orchestrator) withHandle(ctx context.Context, instanceID string, fn func(h *instanceHandle) error) error {
	h, ok := o.registry.Load(instanceID)
	if !ok {
		return domain.NewDomainError(domain.ErrCodeNotFound, "instance "+instanceID+" is not live", nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h)
}

// drainLoop is the background worker: dequeue, correlate, dispatch
// per-instance step work onto the bounded worker pool. The loop takes a
// per-instance lock only briefly, in correlate, to read instance status;
// step work runs on the pool.
func (o *Orchestrator) drainLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-o.queue:
			for _, h := range o.correlate(evt) {
				o.dispatch(ctx, h, evt)
			}
		}
	}
}

// correlate finds the instances affected by evt: matching correlationId,
// matching domain-event subscription in the pinned graph, or every RUNNING
// instance for a broadcast without correlation.
func (o *Orchestrator) correlate(evt eventbridge.OrchestrationEvent) []*instanceHandle {
	var out []*instanceHandle
	corr := evt.CorrelationID()
	restrict := evt.RestrictToGraphID()

	o.registry.Range(func(id string, h *instanceHandle) bool {
		h.mu.Lock()
		status := h.inst.Status
		instID := h.inst.ID
		instCorr := h.inst.CorrelationID
		graph := h.graph
		h.mu.Unlock()

		if status.IsTerminal() {
			return true
		}
		if restrict != "" && graph.GraphID != restrict {
			return true
		}

		if corr != "" {
			if corr == instID || corr == instCorr {
				out = append(out, h)
			}
			return true
		}

		if de, ok := evt.(eventbridge.DomainEvent); ok {
			if graphListensTo(graph, de.EventType) {
				out = append(out, h)
				return true
			}
		}

		// Broadcast without correlation applies to all RUNNING instances.
		if status == domain.InstanceRunning {
			if _, isDomain := evt.(eventbridge.DomainEvent); !isDomain {
				out = append(out, h)
			}
		}
		return true
	})
	return out
}

// graphListensTo reports whether eventType appears in any node
// subscription or edge trigger of the pinned graph.
func graphListensTo(g *domain.ProcessGraph, eventType string) bool {
	if len(g.NodesSubscribedTo(eventType)) > 0 || len(g.EdgesReevaluatedBy(eventType)) > 0 {
		return true
	}
	for _, e := range g.Edges {
		for _, t := range e.EventTriggers.ActivatingEvents {
			if t == eventType {
				return true
			}
		}
	}
	return false
}

// dispatch runs the event application and one step cycle for h on the
// worker pool. The per-instance mutex serializes with any concurrent step.
func (o *Orchestrator) dispatch(ctx context.Context, h *instanceHandle, evt eventbridge.OrchestrationEvent) {
	o.sem <- struct{}{}
	o.wg.Add(1)
	go func() {
		defer func() { <-o.sem; o.wg.Done() }()

		h.mu.Lock()
		defer h.mu.Unlock()

		inst := h.inst
		if inst.Status == domain.InstanceCancelled || inst.Status.IsTerminal() {
			// An event for a cancelled instance is a no-op and emits no trace.
			return
		}
		if inst.Status == domain.InstanceSuspended {
			return
		}

		o.applyEvent(ctx, inst, evt)
		res := o.inner.Step(ctx, h.graph, inst, h.principal)
		o.afterStep(ctx, h, res)
	}()
}

// applyEvent folds evt into the instance before the step cycle: async node
// completions/failures settle the pending NodeExecution; everything is
// appended to the received-events history for guard evaluation.
func (o *Orchestrator) applyEvent(ctx context.Context, inst *domain.ProcessInstance, evt eventbridge.OrchestrationEvent) {
	switch e := evt.(type) {
	case eventbridge.NodeCompleted:
		if err := inst.CompleteNodeExecution(e.NodeID, e.Output); err != nil {
			o.log.Warn().Err(err).Str("instanceId", inst.ID).Str("nodeId", e.NodeID).Msg("async completion for unknown execution")
		}
		_ = inst.UpdateContext(inst.Context.UpdateEntityState(e.NodeID, e.Output))
	case eventbridge.NodeFailed:
		_ = inst.FailNodeExecution(e.NodeID, domain.ExecutionError{Type: e.ErrorType, Message: e.Message})
	}
	_ = inst.UpdateContext(inst.Context.AddEvent(eventbridge.ToReceivedEvent(evt)))
}

// afterStep persists the instance and releases start-policy accounting on
// termination. Persisting here, before any observer sees the queue again,
// keeps the "emitted events are enqueued after the emitting step commits"
// ordering for external observers of the store.
func (o *Orchestrator) afterStep(ctx context.Context, h *instanceHandle, res instanceorch.StepResult) {
	if err := o.instances.Save(ctx, h.inst); err != nil {
		o.log.Error().Err(err).Str("instanceId", h.inst.ID).Msg("failed to persist instance after step")
	}
	if h.inst.Status.IsTerminal() {
		o.releaseSlot(h)
	}
}

// releaseSlot frees the start-policy slot exactly once per instance.
// Callers hold h.mu.
func (o *Orchestrator) releaseSlot(h *instanceHandle) {
	if h.released {
		return
	}
	h.released = true
	o.startPolicy.RecordTermination(h.graph.GraphID)
}

// tickLoop delivers TimerExpired events for due, unsatisfied obligations.
func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.EvaluationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.deliverExpiredTimers(ctx)
		}
	}
}

func (o *Orchestrator) deliverExpiredTimers(ctx context.Context) {
	now := time.Now()
	o.registry.Range(func(id string, h *instanceHandle) bool {
		h.mu.Lock()
		var due []domain.Obligation
		if h.inst.Status == domain.InstanceRunning {
			for _, ob := range h.inst.Context.Obligations {
				if !ob.Satisfied && ob.DueAt.Before(now) {
					due = append(due, ob)
				}
			}
		}
		instID := h.inst.ID
		h.mu.Unlock()

		for _, ob := range due {
			evt := eventbridge.NewTimerExpired(instID, ob.Kind, ob.DueAt)
			if err := o.Signal(ctx, evt); err != nil {
				o.log.Warn().Err(err).Str("instanceId", instID).Msg("tick could not enqueue TimerExpired")
			}
		}
		return true
	})
}

func (o *Orchestrator) latestReason(ctx context.Context, instanceID string) string {
	traces, err := o.traces.FindByInstanceID(ctx, instanceID)
	if err != nil || len(traces) == 0 {
		return ""
	}
	last := traces[len(traces)-1]
	if reason, ok := last.DecisionSnapshot["selectionReason"].(string); ok {
		return reason
	}
	return string(last.Type)
}
