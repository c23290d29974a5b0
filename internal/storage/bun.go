package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/iHelio/cpg-project-sub000/internal/domain"
)

// NewDB opens a Postgres-backed bun.DB for the given DSN.
func NewDB(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}

// graphModel is the row shape for a ProcessGraph: primary key columns plus
// a msgpack-encoded payload holding the full definition. The payload is
// rebuilt through the graph builder on load so the read-only indices are
// reconstructed.
type graphModel struct {
	bun.BaseModel `bun:"table:process_graphs,alias:pg"`

	GraphID string `bun:"graph_id,pk"`
	Version int    `bun:"version,pk"`
	Status  string `bun:"status"`
	Payload []byte `bun:"payload,type:bytea"`
}

type graphPayload struct {
	Name            string
	Description     string
	Status          domain.GraphStatus
	Nodes           []domain.Node
	Edges           []domain.Edge
	EntryNodeIDs    []string
	TerminalNodeIDs []string
	Metadata        map[string]any
}

// BunGraphRepository persists ProcessGraph templates keyed by
// (graphId, version).
type BunGraphRepository struct {
	db *bun.DB
}

func NewBunGraphRepository(db *bun.DB) *BunGraphRepository {
	return &BunGraphRepository{db: db}
}

func (r *BunGraphRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.NewCreateTable().Model((*graphModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

func (r *BunGraphRepository) Save(ctx context.Context, g *domain.ProcessGraph) error {
	payload, err := msgpack.Marshal(graphPayload{
		Name:            g.Name,
		Description:     g.Description,
		Status:          g.Status,
		Nodes:           g.Nodes,
		Edges:           g.Edges,
		EntryNodeIDs:    g.EntryNodeIDs,
		TerminalNodeIDs: g.TerminalNodeIDs,
		Metadata:        g.Metadata,
	})
	if err != nil {
		return err
	}
	model := &graphModel{GraphID: g.GraphID, Version: g.Version, Status: string(g.Status), Payload: payload}
	_, err = r.db.NewInsert().Model(model).On("CONFLICT (graph_id, version) DO UPDATE").
		Set("status = EXCLUDED.status").Set("payload = EXCLUDED.payload").Exec(ctx)
	return err
}

func (r *BunGraphRepository) FindByID(ctx context.Context, graphID string, version int) (*domain.ProcessGraph, error) {
	model := new(graphModel)
	err := r.db.NewSelect().Model(model).Where("graph_id = ?", graphID).Where("version = ?", version).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "graph not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return rebuildGraph(model)
}

func (r *BunGraphRepository) FindLatestPublished(ctx context.Context, graphID string) (*domain.ProcessGraph, error) {
	model := new(graphModel)
	err := r.db.NewSelect().Model(model).
		Where("graph_id = ?", graphID).
		Where("status = ?", string(domain.GraphStatusPublished)).
		OrderExpr("version DESC").Limit(1).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "no published version of graph "+graphID, nil)
	}
	if err != nil {
		return nil, err
	}
	return rebuildGraph(model)
}

func rebuildGraph(model *graphModel) (*domain.ProcessGraph, error) {
	var p graphPayload
	if err := msgpack.Unmarshal(model.Payload, &p); err != nil {
		return nil, err
	}
	b := domain.NewGraphBuilder(model.GraphID, model.Version).
		WithName(p.Name).
		WithDescription(p.Description).
		WithStatus(p.Status).
		WithMetadata(p.Metadata).
		WithEntryNodes(p.EntryNodeIDs...).
		WithTerminalNodes(p.TerminalNodeIDs...)
	for _, n := range p.Nodes {
		b.AddNode(n)
	}
	for _, e := range p.Edges {
		b.AddEdge(e)
	}
	g, errs := b.Build()
	if len(errs) > 0 {
		return nil, domain.NewDomainError(domain.ErrCodeFatal, "stored graph failed validation", errs[0])
	}
	return g, nil
}

// instanceModel is the row shape for a ProcessInstance: identity and the
// revision column used for optimistic concurrency, plus a msgpack payload
// with the full state (history embedded, per the persisted-state layout).
type instanceModel struct {
	bun.BaseModel `bun:"table:process_instances,alias:pi"`

	ID       string `bun:"id,pk"`
	Status   string `bun:"status"`
	Revision int64  `bun:"revision"`
	Payload  []byte `bun:"payload,type:bytea"`
}

type instancePayload struct {
	GraphID        string
	GraphVersion   int
	CorrelationID  string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         domain.InstanceStatus
	Context        domain.ExecutionContext
	History        []domain.NodeExecution
	ActiveNodeIDs  map[string]bool
	PendingEdgeIDs map[string]bool
	Revision       int64
}

// BunInstanceRepository persists ProcessInstance state with optimistic
// concurrency: a write with a revision not above the stored one loses.
type BunInstanceRepository struct {
	db *bun.DB
}

func NewBunInstanceRepository(db *bun.DB) *BunInstanceRepository {
	return &BunInstanceRepository{db: db}
}

func (r *BunInstanceRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.NewCreateTable().Model((*instanceModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

func (r *BunInstanceRepository) Save(ctx context.Context, p *domain.ProcessInstance) error {
	payload, err := msgpack.Marshal(instancePayload{
		GraphID:        p.GraphID,
		GraphVersion:   p.GraphVersion,
		CorrelationID:  p.CorrelationID,
		StartedAt:      p.StartedAt,
		CompletedAt:    p.CompletedAt,
		Status:         p.Status,
		Context:        p.Context,
		History:        p.History,
		ActiveNodeIDs:  p.ActiveNodeIDs,
		PendingEdgeIDs: p.PendingEdgeIDs,
		Revision:       p.Revision,
	})
	if err != nil {
		return err
	}
	model := &instanceModel{ID: p.ID, Status: string(p.Status), Revision: p.Revision, Payload: payload}

	res, err := r.db.NewInsert().Model(model).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("revision = EXCLUDED.revision").
		Set("payload = EXCLUDED.payload").
		Where("pi.revision < EXCLUDED.revision").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.NewDomainError(domain.ErrCodeInvalidState, "stale instance revision", nil)
	}
	return nil
}

func (r *BunInstanceRepository) FindByID(ctx context.Context, instanceID string) (*domain.ProcessInstance, error) {
	model := new(instanceModel)
	err := r.db.NewSelect().Model(model).Where("id = ?", instanceID).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "instance not found", nil)
	}
	if err != nil {
		return nil, err
	}
	return rebuildInstance(model)
}

func (r *BunInstanceRepository) FindRunning(ctx context.Context) ([]*domain.ProcessInstance, error) {
	var models []*instanceModel
	if err := r.db.NewSelect().Model(&models).Where("status = ?", string(domain.InstanceRunning)).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*domain.ProcessInstance, 0, len(models))
	for _, m := range models {
		p, err := rebuildInstance(m)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func rebuildInstance(model *instanceModel) (*domain.ProcessInstance, error) {
	var p instancePayload
	if err := msgpack.Unmarshal(model.Payload, &p); err != nil {
		return nil, err
	}
	return &domain.ProcessInstance{
		ID:             model.ID,
		GraphID:        p.GraphID,
		GraphVersion:   p.GraphVersion,
		CorrelationID:  p.CorrelationID,
		StartedAt:      p.StartedAt,
		CompletedAt:    p.CompletedAt,
		Status:         p.Status,
		Context:        p.Context,
		History:        p.History,
		ActiveNodeIDs:  p.ActiveNodeIDs,
		PendingEdgeIDs: p.PendingEdgeIDs,
		Revision:       p.Revision,
	}, nil
}
