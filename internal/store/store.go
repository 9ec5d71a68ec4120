package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrTerminal is returned by Transition when the Execution has already
// reached a terminal status; subsequent crashes must never surface a
// non-terminal status after a terminal transition has been durably
// recorded (§4.8 durability requirement).
var ErrTerminal = errors.New("store: execution already terminal")

// ExecutionStore is the Execution Store contract (C7). The Scheduler is the
// only writer; the Control API (C9) only reads through it.
type ExecutionStore interface {
	// CreateExecution persists a new Execution in status pending.
	CreateExecution(ctx context.Context, exec *Execution) error

	// Transition moves an Execution to a new status, setting FinishedAt/
	// DurationMs/Error when the new status is terminal. Returns ErrTerminal
	// if the Execution is already in a terminal status.
	Transition(ctx context.Context, executionID string, status ExecutionStatus, output map[string]interface{}, execErr *string) error

	// RecordNodeRun upserts a NodeRun, idempotent on
	// (executionId, nodeId, attempt) per the store's retry-idempotence
	// property.
	RecordNodeRun(ctx context.Context, run *NodeRun) error

	// LoadPinnedData returns the pinned output for (flowVersionId, nodeId),
	// or ErrNotFound if none exists.
	LoadPinnedData(ctx context.Context, flowVersionID, nodeID string) (*PinnedData, error)

	// FindExecution fetches an Execution by id.
	FindExecution(ctx context.Context, executionID string) (*Execution, error)

	// ListNodeRuns returns every NodeRun for an Execution, ordered by
	// nodeId then attempt (the store's ordering guarantee).
	ListNodeRuns(ctx context.Context, executionID string) ([]*NodeRun, error)
}
