// Package compensation picks what happens after a node fails: retry,
// rollback, alternate, escalate, skip, or fail, resolved through an
// ordered chain of node exception routes, edge-level semantics, and
// action-level retry configuration.
package compensation

import (
	"math"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

// Action is the CompensationAction record: the chosen strategy plus target
// ids and a reason, carried into the Decision Tracer. For RETRY, Delay is
// how long the caller should wait before re-stepping the instance.
type Action struct {
	Strategy                 domain.CompensationStrategy
	TargetNodeID             string
	Reason                   string
	Delay                    time.Duration
	AmbiguousAlternateTarget bool // ALTERNATE chosen with no explicit target
}

// retryKey identifies a per-(instance,node) retry counter.
type retryKey struct {
	instanceID string
	nodeID     string
}

// Handler selects a compensation strategy on node failure and tracks
// per-(instance,node) retry counters in a lock-striped map, partitioned
// by key so uncontended instances never block each other.
type Handler struct {
	retryCounts *xsync.MapOf[retryKey, int]
}

func New() *Handler {
	return &Handler{retryCounts: xsync.NewMapOf[retryKey, int]()}
}

// Decide picks the first matching strategy in the documented order:
// (1) node remediation routes, (2) node escalation routes, (3) inbound
// edge CompensationSemantics, (4) action-level retry configuration,
// (5) otherwise FAIL.
func (h *Handler) Decide(
	instanceID string,
	node domain.Node,
	inboundEdge *domain.Edge,
	exceptionType string,
) Action {
	if a, ok := h.matchRoutes(instanceID, node.ID, node.ExceptionRoutes.Remediation, exceptionType); ok {
		return a
	}
	if a, ok := h.matchRoutes(instanceID, node.ID, node.ExceptionRoutes.Escalation, exceptionType); ok {
		return a
	}
	if inboundEdge != nil && inboundEdge.CompensationSemantics.Strategy != "" {
		sem := inboundEdge.CompensationSemantics
		if sem.Strategy == domain.CompensationRetry {
			if a, retry := h.tryRetry(instanceID, node.ID, sem.MaxRetries, node.ID, "inbound edge compensation semantics"); retry {
				return a
			}
		}
		return h.resolveNonRetry(sem.Strategy, sem.CompensatingEdgeID, "inbound edge compensation semantics")
	}
	if node.Action.Config.RetryCount > 0 {
		if a, retry := h.tryRetry(instanceID, node.ID, node.Action.Config.RetryCount, node.ID, "action-level retry configuration"); retry {
			return a
		}
	}
	return Action{Strategy: domain.CompensationFail, Reason: "no matching strategy; default to FAIL"}
}

func (h *Handler) matchRoutes(instanceID, nodeID string, routes []domain.ExceptionRoute, exceptionType string) (Action, bool) {
	for _, route := range routes {
		if !matches(route, exceptionType) {
			continue
		}
		if route.Strategy == domain.CompensationRetry {
			if a, retry := h.tryRetry(instanceID, nodeID, route.MaxRetries, route.TargetNode, "exception route matched "+route.Pattern); retry {
				return a, true
			}
			continue // exhausted retries for this route; fall through to next strategy
		}
		return h.resolveNonRetry(route.Strategy, route.TargetNode, "exception route matched "+route.Pattern), true
	}
	return Action{}, false
}

// matches implements the wildcard rule: "*"/"ANY" matches everything;
// otherwise a pattern matches if equal to, or contained in, the actual
// exception type. Containment is permissive and order-sensitive;
// ExactMatch forces strict equality instead.
func matches(route domain.ExceptionRoute, actual string) bool {
	if route.Pattern == "*" || strings.EqualFold(route.Pattern, "ANY") {
		return true
	}
	if route.ExactMatch {
		return route.Pattern == actual
	}
	return route.Pattern == actual || strings.Contains(actual, route.Pattern)
}

func (h *Handler) resolveNonRetry(strategy domain.CompensationStrategy, target, reason string) Action {
	if strategy == domain.CompensationAlternate && target == "" {
		// No explicit target: mapped to SKIP per the documented ambiguity.
		return Action{Strategy: domain.CompensationSkip, Reason: reason + " (ALTERNATE with no target, mapped to SKIP)", AmbiguousAlternateTarget: true}
	}
	return Action{Strategy: strategy, TargetNodeID: target, Reason: reason}
}

// tryRetry increments the per-(instance,node) counter and returns RETRY
// while still under max; otherwise it reports no-retry so the caller
// falls through to the next strategy in the chain.
func (h *Handler) tryRetry(instanceID, nodeID string, max int, target, reason string) (Action, bool) {
	key := retryKey{instanceID: instanceID, nodeID: nodeID}
	next, _ := h.retryCounts.Compute(key, func(old int, loaded bool) (int, bool) {
		return old + 1, false
	})
	if next > max {
		return Action{}, false
	}
	return Action{
		Strategy:     domain.CompensationRetry,
		TargetNodeID: target,
		Reason:       reason,
		Delay:        RetryDelay(next),
	}, true
}

const (
	retryInitialDelay = time.Second
	retryMaxDelay     = time.Minute
	retryMultiplier   = 2.0
)

// RetryDelay returns the wait before retry attempt n (1-based):
// exponential growth capped at a minute, with 10% jitter so herds of
// retrying instances don't re-step in lockstep.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(retryInitialDelay) * math.Pow(retryMultiplier, float64(attempt-1))
	if delay > float64(retryMaxDelay) {
		delay = float64(retryMaxDelay)
	}
	jitterAmount := delay * 0.1
	jitter := (2*float64(time.Now().UnixNano()%1000)/1000 - 1) * jitterAmount
	return time.Duration(delay + jitter)
}

// RetryCount returns the current retry counter for (instance, node).
func (h *Handler) RetryCount(instanceID, nodeID string) int {
	n, _ := h.retryCounts.Load(retryKey{instanceID: instanceID, nodeID: nodeID})
	return n
}

// ResetCounter clears the retry counter for (instance, node), called on
// successful completion of the node.
func (h *Handler) ResetCounter(instanceID, nodeID string) {
	h.retryCounts.Delete(retryKey{instanceID: instanceID, nodeID: nodeID})
}

// CleanupInstance clears every retry counter for instanceID, called when
// the instance terminates.
func (h *Handler) CleanupInstance(instanceID string) {
	h.retryCounts.Range(func(k retryKey, _ int) bool {
		if k.instanceID == instanceID {
			h.retryCounts.Delete(k)
		}
		return true
	})
}
