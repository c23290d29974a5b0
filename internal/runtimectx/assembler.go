// Package runtimectx assembles the authoritative evaluation input for
// each decision: a fresh, non-aliased snapshot of the instance's context
// maps, events, and obligations, bound to the acting principal.
package runtimectx

import (
	"time"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

// Assemble copies the instance's client, domain, and accumulated-state
// maps, appends operational signals, includes the received-events
// sequence, stamps assembledAt, and binds the principal. The result never
// aliases the instance's own maps.
func Assemble(inst *domain.ProcessInstance, principal ports.Principal) ports.RuntimeContext {
	ctx := inst.Context
	signals := make(map[string]any, len(ctx.OperationalSignals)+1)
	for k, v := range ctx.OperationalSignals {
		signals[k] = v
	}
	signals["now"] = time.Now()
	signals["obligations"] = append([]domain.Obligation{}, ctx.Obligations...)

	return ports.RuntimeContext{
		ClientContext:      cloneMap(ctx.ClientContext),
		DomainContext:      cloneMap(ctx.DomainContext),
		AccumulatedState:   cloneMap(ctx.AccumulatedState),
		OperationalSignals: signals,
		ReceivedEvents:     append([]domain.ReceivedEvent{}, ctx.ReceivedEvents...),
		AssembledAt:        time.Now(),
		Principal:          principal,
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FlattenForEvaluation produces the flat keyed map the ExpressionEvaluator
// port expects, with each context segment addressable both as a nested
// object (clientContext.foo) and, for domain and accumulated state, merged
// at the top level for convenience.
func FlattenForEvaluation(rc ports.RuntimeContext) map[string]any {
	flat := make(map[string]any, len(rc.DomainContext)+len(rc.AccumulatedState)+4)
	for k, v := range rc.DomainContext {
		flat[k] = v
	}
	for k, v := range rc.AccumulatedState {
		flat[k] = v
	}
	flat["clientContext"] = rc.ClientContext
	flat["domainContext"] = rc.DomainContext
	flat["accumulatedState"] = rc.AccumulatedState
	flat["operational"] = rc.OperationalSignals
	flat["events"] = rc.ReceivedEvents
	return flat
}
