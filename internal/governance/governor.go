// Package governance enforces the pre-execution checks that gate every
// action dispatch: idempotency, authorization, and a final policy-gate
// re-check. No side effect happens without an approved governance result.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/crypto/blake2b"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
	"github.com/iHelio/cpg-project-sub000/internal/ports"
)

// CheckStatus is a single governance sub-check's result.
type CheckStatus string

const (
	Passed          CheckStatus = "PASSED"
	AlreadyExecuted CheckStatus = "ALREADY_EXECUTED"
	Unauthorized    CheckStatus = "UNAUTHORIZED"
	Failed          CheckStatus = "FAILED"
)

// Result is the combined governance output for one candidate action.
type Result struct {
	Idempotency    CheckStatus
	Authorization  CheckStatus
	PolicyGate     CheckStatus
	PolicyReasons  []string
	IdempotencyKey string
}

// Approved reports the combined approval rule:
// idempotency.PASSED && authorization.PASSED && policyGate.PASSED.
func (r Result) Approved() bool {
	return r.Idempotency == Passed && r.Authorization == Passed && r.PolicyGate == Passed
}

// Config toggles each governance sub-check independently, per the
// `governance.*` configuration options.
type Config struct {
	IdempotencyEnabled   bool
	AuthorizationEnabled bool
	PolicyGateEnabled    bool
}

// Governor runs the three pre-execution checks in order. The
// idempotency ledger is partitioned by instanceId (an outer lock-striped
// map to a per-instance inner map) so cleanup on instance termination is
// an O(1) delete of the outer entry rather than a full-table scan.
type Governor struct {
	cfg    Config
	ledger *xsync.MapOf[string, *xsync.MapOf[string, struct{}]]
	policy ports.PolicyEvaluator
}

func New(cfg Config, policy ports.PolicyEvaluator) *Governor {
	return &Governor{cfg: cfg, ledger: xsync.NewMapOf[string, *xsync.MapOf[string, struct{}]](), policy: policy}
}

func (gv *Governor) instanceLedger(instanceID string) *xsync.MapOf[string, struct{}] {
	m, _ := gv.ledger.LoadOrCompute(instanceID, func() *xsync.MapOf[string, struct{}] {
		return xsync.NewMapOf[string, struct{}]()
	})
	return m
}

// Govern runs idempotency, authorization, and policy-gate checks in order
// for one selected action. On an approved result, the idempotency key is
// recorded so a later re-send of the same signal is caught.
func (gv *Governor) Govern(ctx context.Context, instanceID string, node domain.Node, executionCount int, rc ports.RuntimeContext) Result {
	res := Result{Idempotency: Passed, Authorization: Passed, PolicyGate: Passed}

	if gv.cfg.IdempotencyEnabled {
		key := IdempotencyKey(instanceID, node.ID, executionCount, rc)
		res.IdempotencyKey = key
		if _, exists := gv.instanceLedger(instanceID).Load(key); exists {
			res.Idempotency = AlreadyExecuted
			return res
		}
	}

	if gv.cfg.AuthorizationEnabled {
		if !rc.Principal.HasPermission("execute:"+string(node.Action.Type)) || !rc.Principal.HasPermission("action:"+node.Action.HandlerRef) {
			res.Authorization = Unauthorized
			return res
		}
	}

	if gv.cfg.PolicyGateEnabled {
		vars := flattenVars(rc)
		for _, gate := range node.PolicyGates {
			pr := gv.policy.Evaluate(ctx, gate.PolicyID, vars)
			if pr.Outcome == domain.PolicyDenied {
				res.PolicyGate = Failed
				res.PolicyReasons = append(res.PolicyReasons, fmt.Sprintf("gate %s denied: %s", gate.ID, pr.Details))
			}
		}
		if res.PolicyGate != Passed {
			return res
		}
	}

	if gv.cfg.IdempotencyEnabled && res.IdempotencyKey != "" {
		gv.instanceLedger(instanceID).Store(res.IdempotencyKey, struct{}{})
	}
	return res
}

func flattenVars(rc ports.RuntimeContext) map[string]any {
	out := make(map[string]any, len(rc.DomainContext)+len(rc.AccumulatedState))
	for k, v := range rc.DomainContext {
		out[k] = v
	}
	for k, v := range rc.AccumulatedState {
		out[k] = v
	}
	return out
}

// IdempotencyKey computes hash(instanceId, nodeId, executionCount,
// content-hash-of-runtime-context) using blake2b-256 over a canonical
// (sorted-keys) JSON encoding of the context maps, so identical logical
// contexts always hash identically regardless of map iteration order.
func IdempotencyKey(instanceID, nodeID string, executionCount int, rc ports.RuntimeContext) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%s|%d|", instanceID, nodeID, executionCount)
	h.Write(canonicalJSON(rc.ClientContext))
	h.Write(canonicalJSON(rc.DomainContext))
	h.Write(canonicalJSON(rc.AccumulatedState))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func canonicalJSON(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]keyValue, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, keyValue{K: k, V: m[k]})
	}
	b, _ := json.Marshal(ordered)
	return b
}

type keyValue struct {
	K string
	V any
}

// CleanupInstance drops the entire idempotency partition for instanceID,
// called when the instance reaches a terminal status.
func (gv *Governor) CleanupInstance(instanceID string) {
	gv.ledger.Delete(instanceID)
}
