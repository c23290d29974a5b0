package tracing

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
)

func newTraceID() string { return uuid.NewString() }

// traceModel is the bun row shape for a DecisionTrace: a primary key plus
// a msgpack-encoded payload column, indexed by instanceId and timestamp
// for the secondary-index queries the store exposes.
type traceModel struct {
	bun.BaseModel `bun:"table:decision_traces,alias:dt"`

	ID         string    `bun:"id,pk"`
	InstanceID string    `bun:"instance_id"`
	Type       string    `bun:"type"`
	Timestamp  time.Time `bun:"timestamp"`
	Payload    []byte    `bun:"payload,type:bytea"`
}

type tracePayload struct {
	ContextSnapshot    map[string]any
	EvaluationSnapshot map[string]any
	DecisionSnapshot   map[string]any
	GovernanceSnapshot map[string]any
	OutcomeSnapshot    map[string]any
}

func toModel(t DecisionTrace) (*traceModel, error) {
	payload, err := msgpack.Marshal(tracePayload{
		ContextSnapshot:    t.ContextSnapshot,
		EvaluationSnapshot: t.EvaluationSnapshot,
		DecisionSnapshot:   t.DecisionSnapshot,
		GovernanceSnapshot: t.GovernanceSnapshot,
		OutcomeSnapshot:    t.OutcomeSnapshot,
	})
	if err != nil {
		return nil, err
	}
	return &traceModel{
		ID:         t.ID,
		InstanceID: t.InstanceID,
		Type:       string(t.Type),
		Timestamp:  t.Timestamp,
		Payload:    payload,
	}, nil
}

func fromModel(m *traceModel) (DecisionTrace, error) {
	var p tracePayload
	if len(m.Payload) > 0 {
		if err := msgpack.Unmarshal(m.Payload, &p); err != nil {
			return DecisionTrace{}, err
		}
	}
	return DecisionTrace{
		ID:                 m.ID,
		Timestamp:          m.Timestamp,
		InstanceID:         m.InstanceID,
		Type:               TraceType(m.Type),
		ContextSnapshot:    p.ContextSnapshot,
		EvaluationSnapshot: p.EvaluationSnapshot,
		DecisionSnapshot:   p.DecisionSnapshot,
		GovernanceSnapshot: p.GovernanceSnapshot,
		OutcomeSnapshot:    p.OutcomeSnapshot,
	}, nil
}

// BunStore is the production Store, persisting DecisionTrace rows to
// Postgres via uptrace/bun so the trace log survives process restarts.
type BunStore struct {
	db *bun.DB
}

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

func (s *BunStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*traceModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	if _, err := s.db.NewCreateIndex().Model((*traceModel)(nil)).IfNotExists().Index("decision_traces_instance_idx").Column("instance_id", "timestamp").Exec(ctx); err != nil {
		return err
	}
	return nil
}

// Append is the only write operation: traces are immutable once written.
func (s *BunStore) Append(ctx context.Context, t DecisionTrace) (DecisionTrace, error) {
	if t.ID == "" {
		t.ID = newTraceID()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	model, err := toModel(t)
	if err != nil {
		return DecisionTrace{}, err
	}
	if _, err := s.db.NewInsert().Model(model).Exec(ctx); err != nil {
		return DecisionTrace{}, err
	}
	return t, nil
}

func (s *BunStore) FindByID(ctx context.Context, id string) (DecisionTrace, bool, error) {
	model := new(traceModel)
	err := s.db.NewSelect().Model(model).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return DecisionTrace{}, false, nil
	}
	if err != nil {
		return DecisionTrace{}, false, err
	}
	t, err := fromModel(model)
	return t, err == nil, err
}

func (s *BunStore) FindByInstanceID(ctx context.Context, instanceID string) ([]DecisionTrace, error) {
	var models []*traceModel
	if err := s.db.NewSelect().Model(&models).Where("instance_id = ?", instanceID).OrderExpr("timestamp ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return fromModels(models)
}

func (s *BunStore) FindByType(ctx context.Context, typ TraceType) ([]DecisionTrace, error) {
	var models []*traceModel
	if err := s.db.NewSelect().Model(&models).Where("type = ?", string(typ)).Scan(ctx); err != nil {
		return nil, err
	}
	return fromModels(models)
}

func (s *BunStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.NewDelete().Model((*traceModel)(nil)).Where("timestamp < ?", cutoff).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func fromModels(models []*traceModel) ([]DecisionTrace, error) {
	out := make([]DecisionTrace, 0, len(models))
	for _, m := range models {
		t, err := fromModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
