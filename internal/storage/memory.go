// Package storage provides the ProcessGraph and ProcessInstance
// repositories: an in-memory implementation for tests and local runs, and
// a bun-backed Postgres implementation for production.
package storage

import (
	"context"
	"sync"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

type graphKey struct {
	graphID string
	version int
}

// MemoryGraphRepository is an in-memory ProcessGraphRepository.
type MemoryGraphRepository struct {
	mu     sync.RWMutex
	graphs map[graphKey]*domain.ProcessGraph
}

func NewMemoryGraphRepository() *MemoryGraphRepository {
	return &MemoryGraphRepository{graphs: make(map[graphKey]*domain.ProcessGraph)}
}

func (r *MemoryGraphRepository) Save(ctx context.Context, g *domain.ProcessGraph) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[graphKey{g.GraphID, g.Version}] = g
	return nil
}

func (r *MemoryGraphRepository) FindByID(ctx context.Context, graphID string, version int) (*domain.ProcessGraph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[graphKey{graphID, version}]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "graph not found", nil)
	}
	return g, nil
}

func (r *MemoryGraphRepository) FindLatestPublished(ctx context.Context, graphID string) (*domain.ProcessGraph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *domain.ProcessGraph
	for k, g := range r.graphs {
		if k.graphID != graphID || g.Status != domain.GraphStatusPublished {
			continue
		}
		if best == nil || g.Version > best.Version {
			best = g
		}
	}
	if best == nil {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "no published version of graph "+graphID, nil)
	}
	return best, nil
}

// MemoryInstanceRepository is an in-memory ProcessInstanceRepository. Save
// rejects stale writes: a revision lower than the stored one loses. Unlike
// the bun store, which also rejects a write whose revision equals the
// stored one, an equal revision is accepted here.
type MemoryInstanceRepository struct {
	mu        sync.RWMutex
	instances map[string]*domain.ProcessInstance
}

func NewMemoryInstanceRepository() *MemoryInstanceRepository {
	return &MemoryInstanceRepository{instances: make(map[string]*domain.ProcessInstance)}
}

func (r *MemoryInstanceRepository) Save(ctx context.Context, p *domain.ProcessInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[p.ID]; ok && existing != p && existing.Revision > p.Revision {
		return domain.NewDomainError(domain.ErrCodeInvalidState, "stale instance revision", nil)
	}
	r.instances[p.ID] = p
	return nil
}

func (r *MemoryInstanceRepository) FindByID(ctx context.Context, instanceID string) (*domain.ProcessInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.instances[instanceID]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "instance not found", nil)
	}
	return p, nil
}

func (r *MemoryInstanceRepository) FindRunning(ctx context.Context) ([]*domain.ProcessInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.ProcessInstance
	for _, p := range r.instances {
		if p.Status == domain.InstanceRunning {
			out = append(out, p)
		}
	}
	return out, nil
}
