// Package tracing keeps the append-only decision trace: one immutable
// record per navigation, execution, wait, or governance-rejected cycle.
// The trace log is the system of record for "why did X happen?"; it
// exposes read-side queries and retention pruning, backed in memory or by
// Postgres.
package tracing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TraceType is the kind of orchestration cycle a DecisionTrace records.
type TraceType string

const (
	TraceNavigation TraceType = "NAVIGATION"
	TraceExecution  TraceType = "EXECUTION"
	TraceWait       TraceType = "WAIT"
	TraceBlocked    TraceType = "BLOCKED"
)

// DecisionTrace is an immutable, append-only record. Every *Snapshot field
// holds a deep copy taken at write time; traces never alias live instance
// state.
type DecisionTrace struct {
	ID                string
	Timestamp         time.Time
	InstanceID        string
	Type              TraceType
	ContextSnapshot    map[string]any
	EvaluationSnapshot map[string]any
	DecisionSnapshot   map[string]any
	GovernanceSnapshot map[string]any
	OutcomeSnapshot    map[string]any
}

// Store is the trace log's surface: Append (the only write
// operation; traces are never edited), and read-side queries by id, by
// instance (chronological), by type, plus retention pruning.
type Store interface {
	Append(ctx context.Context, t DecisionTrace) (DecisionTrace, error)
	FindByID(ctx context.Context, id string) (DecisionTrace, bool, error)
	FindByInstanceID(ctx context.Context, instanceID string) ([]DecisionTrace, error)
	FindByType(ctx context.Context, t TraceType) ([]DecisionTrace, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is an in-memory Store, used in tests and as the default when
// `tracing.persist` is false.
type MemoryStore struct {
	mu     sync.RWMutex
	traces []DecisionTrace
	byID   map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]int{}}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopyMap(x)
	case []any:
		cp := make([]any, len(x))
		for i, e := range x {
			cp[i] = deepCopyValue(e)
		}
		return cp
	}
	return v
}

func (s *MemoryStore) Append(ctx context.Context, t DecisionTrace) (DecisionTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	t.ContextSnapshot = deepCopyMap(t.ContextSnapshot)
	t.EvaluationSnapshot = deepCopyMap(t.EvaluationSnapshot)
	t.DecisionSnapshot = deepCopyMap(t.DecisionSnapshot)
	t.GovernanceSnapshot = deepCopyMap(t.GovernanceSnapshot)
	t.OutcomeSnapshot = deepCopyMap(t.OutcomeSnapshot)

	s.traces = append(s.traces, t)
	s.byID[t.ID] = len(s.traces) - 1
	return t, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (DecisionTrace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return DecisionTrace{}, false, nil
	}
	return s.traces[idx], true, nil
}

func (s *MemoryStore) FindByInstanceID(ctx context.Context, instanceID string) ([]DecisionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecisionTrace
	for _, t := range s.traces {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) FindByType(ctx context.Context, typ TraceType) ([]DecisionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecisionTrace
	for _, t := range s.traces {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.traces[:0]
	removed := 0
	for _, t := range s.traces {
		if t.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	s.traces = kept
	s.byID = map[string]int{}
	for i, t := range s.traces {
		s.byID[t.ID] = i
	}
	return removed, nil
}
