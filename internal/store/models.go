// Package store implements the Execution Store (C7): durable per-execution
// and per-node-run records, status transitions, and pinned-data lookups.
// Grounded on the teacher's common/repository package (RunRepository's
// plain-SQL pgx idiom), generalized from a single `run` table into the
// Execution/NodeRun/PinnedData shape this engine's Scheduler needs.
package store

import "time"

// ExecutionStatus is the lowercase status vocabulary from the data model.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// terminal reports whether a status cannot transition further.
func (s ExecutionStatus) terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// TriggerKind records what started an Execution.
type TriggerKind string

const (
	TriggerManual  TriggerKind = "manual"
	TriggerWebhook TriggerKind = "webhook"
	TriggerSchedule TriggerKind = "schedule"
	TriggerError   TriggerKind = "errorTrigger"
	TriggerSubFlow TriggerKind = "subFlow"
)

// Execution is one run of one FlowVersion.
type Execution struct {
	ID                string                 `json:"id"`
	FlowVersionID     string                 `json:"flowVersionId"`
	UserID            string                 `json:"userId"`
	Status            ExecutionStatus        `json:"status"`
	StartedAt         time.Time              `json:"startedAt"`
	FinishedAt        *time.Time             `json:"finishedAt,omitempty"`
	DurationMs        *int64                 `json:"durationMs,omitempty"`
	Trigger           TriggerKind            `json:"trigger"`
	Input             map[string]interface{} `json:"input,omitempty"`
	Output            map[string]interface{} `json:"output,omitempty"`
	ParentExecutionID *string                `json:"parentExecutionId,omitempty"`
	Error             *string                `json:"error,omitempty"`
}

// NodeRunStatus is the lowercase status vocabulary for a NodeRun.
type NodeRunStatus string

const (
	NodeRunPending   NodeRunStatus = "pending"
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunWaiting   NodeRunStatus = "waiting"
	NodeRunCompleted NodeRunStatus = "completed"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunSkipped   NodeRunStatus = "skipped"
)

// NodeRun is one invocation of one node within an Execution.
type NodeRun struct {
	ExecutionID   string                 `json:"executionId"`
	NodeID        string                 `json:"nodeId"`
	Attempt       int                    `json:"attempt"`
	Status        NodeRunStatus          `json:"status"`
	Input         map[string]interface{} `json:"input,omitempty"`
	Output        map[string]interface{} `json:"output,omitempty"`
	BranchesTaken []string               `json:"branchesTaken,omitempty"`
	StartedAt     time.Time              `json:"startedAt"`
	FinishedAt    *time.Time             `json:"finishedAt,omitempty"`
	DurationMs    *int64                 `json:"durationMs,omitempty"`
	ErrorKind     *string                `json:"errorKind,omitempty"`
	ErrorMessage  *string                `json:"errorMessage,omitempty"`
	Logs          []string               `json:"logs,omitempty"`
	RetryOf       *int                   `json:"retryOf,omitempty"` // previous attempt number, nil if not a retry
}

// PinnedData overrides actual execution of (flowVersionId, nodeId) with a
// fixed output, keyed read-only from the engine's perspective (§12 Open
// Question: lifecycle belongs to whichever collaborator owns PinnedData
// rows; the engine only ever reads it).
type PinnedData struct {
	FlowVersionID string
	NodeID        string
	Output        map[string]interface{}
}
