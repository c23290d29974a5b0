// Package actions provides the ActionHandlerRegistry implementation and a
// few built-in handlers (notification, wait, function-backed system
// invocation) that external collaborators extend.
package actions

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

type registryKey struct {
	actionType domain.ActionType
	handlerRef string
}

// Registry resolves (ActionType, handlerRef) to a bound handler. A handler
// registered with an empty handlerRef is the fallback for its action type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]ports.ActionHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]ports.ActionHandler)}
}

var _ ports.ActionHandlerRegistry = (*Registry)(nil)

// Register binds handler to (actionType, handlerRef).
func (r *Registry) Register(actionType domain.ActionType, handlerRef string, handler ports.ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey{actionType, handlerRef}] = handler
}

// Resolve looks up the handler for (actionType, handlerRef), falling back
// to the action type's default handler when no exact binding exists.
func (r *Registry) Resolve(actionType domain.ActionType, handlerRef string) (ports.ActionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[registryKey{actionType, handlerRef}]; ok {
		return h, true
	}
	h, ok := r.handlers[registryKey{actionType, ""}]
	return h, ok
}

// Func adapts a plain function into a synchronous ActionHandler.
type Func func(ctx context.Context, ac ports.ActionContext) ports.ActionResult

func (f Func) Execute(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	return f(ctx, ac)
}
func (f Func) SupportsAsync() bool { return false }
func (f Func) ExecuteAsync(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	return f(ctx, ac)
}

// NotificationHandler logs the notification and completes; a production
// deployment replaces it with a mail/chat integration.
type NotificationHandler struct {
	Log zerolog.Logger
}

func (h NotificationHandler) SupportsAsync() bool { return false }

func (h NotificationHandler) Execute(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	h.Log.Info().
		Str("instanceId", ac.InstanceID).
		Str("nodeId", ac.Node.ID).
		Msg(fmt.Sprintf("notification: %s", ac.Node.Description))
	return ports.ActionResult{Status: ports.ActionCompleted, Output: map[string]any{"notified": true}}
}

func (h NotificationHandler) ExecuteAsync(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	return h.Execute(ctx, ac)
}

// WaitHandler parks the node in WAITING; a later orchestration event
// (usually a subscribed domain event) completes it.
type WaitHandler struct{}

func (WaitHandler) SupportsAsync() bool { return true }

func (WaitHandler) Execute(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	return ports.ActionResult{Status: ports.ActionWaiting}
}

func (WaitHandler) ExecuteAsync(ctx context.Context, ac ports.ActionContext) ports.ActionResult {
	return ports.ActionResult{Status: ports.ActionWaiting}
}
