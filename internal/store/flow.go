package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/flowcore/engine/internal/db"
	"github.com/flowcore/engine/internal/graph"
)

// ErrNotDraft is returned when a write that requires a draft FlowVersion
// targets one that has already been published or archived (§3 invariant:
// "once published, its definition is frozen").
var ErrNotDraft = errors.New("store: flow version is not a draft")

// FlowStore persists Flows and FlowVersions. Grounded on Postgres's
// plain-SQL pgx idiom; Load satisfies scheduler.FlowVersionLoader directly
// so the Scheduler's sub-flow lookups and the Control API's execution-start
// path share the same read path.
type FlowStore struct {
	db *db.DB
}

// NewFlowStore constructs a Postgres-backed FlowStore.
func NewFlowStore(database *db.DB) *FlowStore {
	return &FlowStore{db: database}
}

// CreateFlow persists a new Flow.
func (s *FlowStore) CreateFlow(ctx context.Context, f *graph.Flow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO flow (id, name, owner, description)
		VALUES ($1, $2, $3, $4)
	`, f.ID, f.Name, f.Owner, f.Description)
	if err != nil {
		return fmt.Errorf("store: create flow: %w", err)
	}
	return nil
}

// CreateFlowVersion persists a new FlowVersion, always starting in draft.
func (s *FlowStore) CreateFlowVersion(ctx context.Context, fv *graph.FlowVersion) error {
	def, err := json.Marshal(fv.Definition)
	if err != nil {
		return fmt.Errorf("store: marshal definition: %w", err)
	}
	settings, err := json.Marshal(fv.Settings)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO flow_version (id, flow_id, label, status, definition, settings)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, fv.ID, fv.FlowID, fv.Label, graph.FlowVersionDraft, def, settings)
	if err != nil {
		return fmt.Errorf("store: create flow version: %w", err)
	}
	return nil
}

// Load fetches a FlowVersion by id. Implements scheduler.FlowVersionLoader.
func (s *FlowStore) Load(ctx context.Context, flowVersionID string) (*graph.FlowVersion, error) {
	fv := &graph.FlowVersion{ID: flowVersionID}
	var def, settings []byte

	err := s.db.QueryRow(ctx, `
		SELECT flow_id, label, status, definition, settings
		FROM flow_version WHERE id = $1
	`, flowVersionID).Scan(&fv.FlowID, &fv.Label, &fv.Status, &def, &settings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load flow version: %w", err)
	}

	if err := json.Unmarshal(def, &fv.Definition); err != nil {
		return nil, fmt.Errorf("store: decode definition: %w", err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &fv.Settings); err != nil {
			return nil, fmt.Errorf("store: decode settings: %w", err)
		}
	}
	return fv, nil
}

// FindWatchingErrorTriggers returns every published FlowVersion that carries
// an errorTrigger node whose "watch" config names flowID. Implements
// scheduler.FlowVersionLoader for §4.7 step 3's failure-dispatch path.
// Published definitions are immutable and few enough per flow that
// filtering in Go after a single published-rows scan is simpler than
// pushing the node/config shape into SQL.
func (s *FlowStore) FindWatchingErrorTriggers(ctx context.Context, flowID string) ([]*graph.FlowVersion, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, flow_id, label, status, definition, settings
		FROM flow_version WHERE status = $1
	`, graph.FlowVersionPublished)
	if err != nil {
		return nil, fmt.Errorf("store: query published flow versions: %w", err)
	}
	defer rows.Close()

	var watchers []*graph.FlowVersion
	for rows.Next() {
		fv := &graph.FlowVersion{}
		var def, settings []byte
		if err := rows.Scan(&fv.ID, &fv.FlowID, &fv.Label, &fv.Status, &def, &settings); err != nil {
			return nil, fmt.Errorf("store: scan flow version: %w", err)
		}
		if err := json.Unmarshal(def, &fv.Definition); err != nil {
			return nil, fmt.Errorf("store: decode definition: %w", err)
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &fv.Settings); err != nil {
				return nil, fmt.Errorf("store: decode settings: %w", err)
			}
		}
		if watchesFlow(fv.Definition, flowID) {
			watchers = append(watchers, fv)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate flow versions: %w", err)
	}
	return watchers, nil
}

func watchesFlow(def *graph.Graph, flowID string) bool {
	if def == nil {
		return false
	}
	for _, n := range def.Nodes {
		if n.Type != "errorTrigger" {
			continue
		}
		if watch, ok := n.Config["watch"].(string); ok && watch == flowID {
			return true
		}
	}
	return false
}

// UpdateDefinition overwrites a draft FlowVersion's definition, used by the
// Control API's JSON Patch endpoint. Returns ErrNotDraft if the version has
// already been published or archived.
func (s *FlowStore) UpdateDefinition(ctx context.Context, flowVersionID string, def *graph.Graph) error {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("store: marshal definition: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE flow_version SET definition = $2
		WHERE id = $1 AND status = $3
	`, flowVersionID, defJSON, graph.FlowVersionDraft)
	if err != nil {
		return fmt.Errorf("store: update definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotDraft
	}
	return nil
}

// Publish transitions a draft FlowVersion to published, freezing its
// definition. Returns ErrNotDraft if it is not currently a draft.
func (s *FlowStore) Publish(ctx context.Context, flowVersionID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE flow_version SET status = $2 WHERE id = $1 AND status = $3
	`, flowVersionID, graph.FlowVersionPublished, graph.FlowVersionDraft)
	if err != nil {
		return fmt.Errorf("store: publish flow version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotDraft
	}
	return nil
}
