package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowcore/engine/internal/db"
)

// Postgres is the durable ExecutionStore implementation, grounded on
// common/repository/run.go's plain-SQL pgx idiom (no ORM, hand-written
// queries, $N placeholders, wrapped errors).
type Postgres struct {
	db *db.DB
}

// NewPostgres constructs a Postgres-backed ExecutionStore.
func NewPostgres(database *db.DB) *Postgres {
	return &Postgres{db: database}
}

func (p *Postgres) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("store: marshal input: %w", err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO execution (id, flow_version_id, user_id, status, started_at, trigger, input, parent_execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, exec.ID, exec.FlowVersionID, exec.UserID, exec.Status, exec.StartedAt, exec.Trigger, input, exec.ParentExecutionID)
	if err != nil {
		return fmt.Errorf("store: create execution: %w", err)
	}
	return nil
}

func (p *Postgres) Transition(ctx context.Context, executionID string, status ExecutionStatus, output map[string]interface{}, execErr *string) error {
	var current ExecutionStatus
	if err := p.db.QueryRow(ctx, `SELECT status FROM execution WHERE id = $1`, executionID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: read current status: %w", err)
	}
	if current.terminal() {
		return ErrTerminal
	}

	if !status.terminal() {
		_, err := p.db.Exec(ctx, `UPDATE execution SET status = $2 WHERE id = $1`, executionID, status)
		if err != nil {
			return fmt.Errorf("store: transition: %w", err)
		}
		return nil
	}

	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("store: marshal output: %w", err)
	}
	finishedAt := time.Now()

	_, err = p.db.Exec(ctx, `
		UPDATE execution
		SET status = $2, output = $3, error = $4, finished_at = $5,
		    duration_ms = EXTRACT(EPOCH FROM ($5 - started_at)) * 1000
		WHERE id = $1
	`, executionID, status, outputJSON, execErr, finishedAt)
	if err != nil {
		return fmt.Errorf("store: terminal transition: %w", err)
	}
	return nil
}

func (p *Postgres) RecordNodeRun(ctx context.Context, run *NodeRun) error {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("store: marshal node run input: %w", err)
	}
	output, err := json.Marshal(run.Output)
	if err != nil {
		return fmt.Errorf("store: marshal node run output: %w", err)
	}
	branches, err := json.Marshal(run.BranchesTaken)
	if err != nil {
		return fmt.Errorf("store: marshal branches taken: %w", err)
	}
	logs, err := json.Marshal(run.Logs)
	if err != nil {
		return fmt.Errorf("store: marshal logs: %w", err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO node_run (
			execution_id, node_id, attempt, status, input, output, branches_taken,
			started_at, finished_at, duration_ms, error_kind, error_message, logs, retry_of
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (execution_id, node_id, attempt) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			branches_taken = EXCLUDED.branches_taken,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			logs = EXCLUDED.logs
	`,
		run.ExecutionID, run.NodeID, run.Attempt, run.Status, input, output, branches,
		run.StartedAt, run.FinishedAt, run.DurationMs, run.ErrorKind, run.ErrorMessage, logs, run.RetryOf,
	)
	if err != nil {
		return fmt.Errorf("store: record node run: %w", err)
	}
	return nil
}

func (p *Postgres) LoadPinnedData(ctx context.Context, flowVersionID, nodeID string) (*PinnedData, error) {
	var raw []byte
	err := p.db.QueryRow(ctx, `
		SELECT output FROM pinned_data WHERE flow_version_id = $1 AND node_id = $2
	`, flowVersionID, nodeID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load pinned data: %w", err)
	}

	var output map[string]interface{}
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, fmt.Errorf("store: decode pinned data: %w", err)
	}
	return &PinnedData{FlowVersionID: flowVersionID, NodeID: nodeID, Output: output}, nil
}

func (p *Postgres) FindExecution(ctx context.Context, executionID string) (*Execution, error) {
	exec := &Execution{ID: executionID}
	var input, output []byte

	err := p.db.QueryRow(ctx, `
		SELECT flow_version_id, user_id, status, started_at, finished_at, duration_ms,
		       trigger, input, output, parent_execution_id, error
		FROM execution WHERE id = $1
	`, executionID).Scan(
		&exec.FlowVersionID, &exec.UserID, &exec.Status, &exec.StartedAt, &exec.FinishedAt, &exec.DurationMs,
		&exec.Trigger, &input, &output, &exec.ParentExecutionID, &exec.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find execution: %w", err)
	}

	if len(input) > 0 {
		if err := json.Unmarshal(input, &exec.Input); err != nil {
			return nil, fmt.Errorf("store: decode execution input: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &exec.Output); err != nil {
			return nil, fmt.Errorf("store: decode execution output: %w", err)
		}
	}
	return exec, nil
}

func (p *Postgres) ListNodeRuns(ctx context.Context, executionID string) ([]*NodeRun, error) {
	rows, err := p.db.Query(ctx, `
		SELECT node_id, attempt, status, input, output, branches_taken,
		       started_at, finished_at, duration_ms, error_kind, error_message, logs, retry_of
		FROM node_run
		WHERE execution_id = $1
		ORDER BY node_id, attempt
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: list node runs: %w", err)
	}
	defer rows.Close()

	var runs []*NodeRun
	for rows.Next() {
		run := &NodeRun{ExecutionID: executionID}
		var input, output, branches, logs []byte

		if err := rows.Scan(
			&run.NodeID, &run.Attempt, &run.Status, &input, &output, &branches,
			&run.StartedAt, &run.FinishedAt, &run.DurationMs, &run.ErrorKind, &run.ErrorMessage, &logs, &run.RetryOf,
		); err != nil {
			return nil, fmt.Errorf("store: scan node run: %w", err)
		}

		if len(input) > 0 {
			if err := json.Unmarshal(input, &run.Input); err != nil {
				return nil, fmt.Errorf("store: decode node run input: %w", err)
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &run.Output); err != nil {
				return nil, fmt.Errorf("store: decode node run output: %w", err)
			}
		}
		if len(branches) > 0 {
			if err := json.Unmarshal(branches, &run.BranchesTaken); err != nil {
				return nil, fmt.Errorf("store: decode branches taken: %w", err)
			}
		}
		if len(logs) > 0 {
			if err := json.Unmarshal(logs, &run.Logs); err != nil {
				return nil, fmt.Errorf("store: decode logs: %w", err)
			}
		}

		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate node runs: %w", err)
	}
	return runs, nil
}
