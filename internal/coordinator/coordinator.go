// Package coordinator tracks parallel branches per process instance and
// evaluates ALL/ANY/N-of-M join synchronization at fan-in nodes.
package coordinator

import (
	"fmt"
	"sync"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

// BranchStatus is the lifecycle of a ParallelBranch.
type BranchStatus string

const (
	BranchPending   BranchStatus = "PENDING"
	BranchRunning   BranchStatus = "RUNNING"
	BranchCompleted BranchStatus = "COMPLETED"
	BranchFailed    BranchStatus = "FAILED"
	BranchCancelled BranchStatus = "CANCELLED"
)

// Branch is a ParallelBranch: one active thread of execution created by a
// PARALLEL edge activation.
type Branch struct {
	BranchID      string
	OriginEdgeID  string
	TargetNodeID  string
	CurrentNodeID string
	Status        BranchStatus
}

// Coordinator tracks branches per instance in an append-only list, keyed
// by instanceId. A single mutex guards the lists of all instances, so
// calls for different instances still serialize on it.
type Coordinator struct {
	mu       sync.Mutex
	branches map[string][]*Branch // instanceID -> branches
	counters map[string]int       // instanceID -> next branch sequence
}

func New() *Coordinator {
	return &Coordinator{
		branches: make(map[string][]*Branch),
		counters: make(map[string]int),
	}
}

// ActivateParallelBranch allocates a branch id of the form
// "<instanceId>:<counter>" and marks it RUNNING.
func (c *Coordinator) ActivateParallelBranch(instanceID string, edge *domain.Edge) *Branch {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.counters[instanceID]
	c.counters[instanceID] = n + 1
	b := &Branch{
		BranchID:      fmt.Sprintf("%s:%d", instanceID, n),
		OriginEdgeID:  edge.ID,
		TargetNodeID:  edge.TargetNodeID,
		CurrentNodeID: edge.TargetNodeID,
		Status:        BranchRunning,
	}
	c.branches[instanceID] = append(c.branches[instanceID], b)
	return b
}

// AdvanceBranch moves a branch's current node forward, keeping it RUNNING
// until it reaches a node that fans in.
func (c *Coordinator) AdvanceBranch(instanceID, branchID, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.BranchID == branchID {
			b.CurrentNodeID = nodeID
			return
		}
	}
}

// CompleteBranch marks a branch COMPLETED or FAILED.
func (c *Coordinator) CompleteBranch(instanceID, branchID string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.BranchID == branchID {
			if failed {
				b.Status = BranchFailed
			} else {
				b.Status = BranchCompleted
			}
			return
		}
	}
}

// CompleteBranchByEdge marks the most recent RUNNING/PENDING branch whose
// origin is edgeID as COMPLETED or FAILED. Callers that only have the
// activating edge in hand (the common case when a node finishes) use this
// instead of tracking the generated branch id themselves.
func (c *Coordinator) CompleteBranchByEdge(instanceID, edgeID string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	branches := c.branches[instanceID]
	for i := len(branches) - 1; i >= 0; i-- {
		b := branches[i]
		if b.OriginEdgeID != edgeID {
			continue
		}
		if b.Status != BranchRunning && b.Status != BranchPending {
			continue
		}
		if failed {
			b.Status = BranchFailed
		} else {
			b.Status = BranchCompleted
		}
		return
	}
}

// AdvanceBranchFrom moves the RUNNING branch positioned at fromNodeID to
// toNodeID, keeping it RUNNING as the flow continues toward a fan-in.
func (c *Coordinator) AdvanceBranchFrom(instanceID, fromNodeID, toNodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.CurrentNodeID == fromNodeID && b.Status == BranchRunning {
			b.CurrentNodeID = toNodeID
			return
		}
	}
}

// CompleteBranchAt settles the RUNNING/PENDING branch currently positioned
// at nodeID, i.e. the branch has reached a node that fans in.
func (c *Coordinator) CompleteBranchAt(instanceID, nodeID string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.CurrentNodeID != nodeID {
			continue
		}
		if b.Status != BranchRunning && b.Status != BranchPending {
			continue
		}
		if failed {
			b.Status = BranchFailed
		} else {
			b.Status = BranchCompleted
		}
		return
	}
}

// HasBranchForEdge reports whether any branch, running or settled, already
// originates from edgeID; used to keep branch activation idempotent across
// cycles.
func (c *Coordinator) HasBranchForEdge(instanceID, edgeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.branches[instanceID] {
		if b.OriginEdgeID == edgeID {
			return true
		}
	}
	return false
}

// JoinEvaluation evaluates the join at a target node. The join type and
// minimum come from any inbound PARALLEL edge; relevant branches are those
// positioned at (or settled at) a predecessor of the target.
func (c *Coordinator) JoinEvaluation(instanceID string, g *domain.ProcessGraph, targetNodeID string) (canProceed bool, completed, pending []*Branch) {
	joinType := domain.JoinAll
	joinMinimum := 0
	predecessors := map[string]bool{}
	for _, e := range g.InboundEdges(targetNodeID) {
		if e.ExecutionSemantics.Type != domain.EdgeExecParallel {
			continue
		}
		predecessors[e.SourceNodeID] = true
		if e.ExecutionSemantics.JoinType != "" {
			joinType = e.ExecutionSemantics.JoinType
			joinMinimum = e.ExecutionSemantics.JoinMinimum
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var branches []*Branch
	for _, b := range c.branches[instanceID] {
		if predecessors[b.CurrentNodeID] {
			branches = append(branches, b)
		}
	}

	for _, b := range branches {
		if b.Status == BranchCompleted {
			completed = append(completed, b)
		} else if b.Status == BranchRunning || b.Status == BranchPending {
			pending = append(pending, b)
		}
	}

	total := len(branches)
	switch joinType {
	case domain.JoinAll:
		canProceed = total > 0 && len(completed) == total
	case domain.JoinAny:
		canProceed = len(completed) >= 1
	case domain.JoinNOfM:
		need := joinMinimum
		if need <= 0 {
			need = total/2 + 1 // documented majority rule: floor(N/2)+1
		}
		canProceed = len(completed) >= need
	default:
		canProceed = total > 0 && len(completed) == total
	}
	return canProceed, completed, pending
}

// IsJoinTarget reports whether nodeID has more than one inbound PARALLEL
// edge, i.e. branches fan in there.
func IsJoinTarget(g *domain.ProcessGraph, nodeID string) bool {
	n := 0
	for _, e := range g.InboundEdges(nodeID) {
		if e.ExecutionSemantics.Type == domain.EdgeExecParallel {
			n++
		}
	}
	return n > 1
}

// CleanupInstance drops all branch tracking for instanceID, called when
// the instance reaches a terminal status. Cleanup is explicit; nothing
// here relies on finalizers.
func (c *Coordinator) CleanupInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.branches, instanceID)
	delete(c.counters, instanceID)
}
