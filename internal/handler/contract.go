// Package handler defines the NodeHandler contract (C3) and the process-wide
// registry (C2) that every flow node type is dispatched through.
//
// Grounded on the teacher's sdk.Node.IsExecutableType/IsAbsorber category
// split (cmd/workflow-runner/sdk/types.go), generalized from two hardcoded
// predicates into a Category() method plus registry-driven dispatch, and on
// its CompletionSignal.Status string enum, generalized here into the tagged
// ResultKind union called for by the engine's design notes (§12/§9 of the
// original spec: "exception-driven error returns" replaced by a tagged
// Result).
package handler

import (
	"context"
	"time"

	"github.com/flowcore/engine/internal/expr"
)

// ResultKind tags a handler invocation's outcome.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultWaiting
	ResultFailure
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultWaiting:
		return "waiting"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// WaitKind describes what a Waiting result is parked on.
type WaitKind string

const (
	WaitSignal   WaitKind = "signal"
	WaitTimer    WaitKind = "timer"
	WaitApproval WaitKind = "approval"
)

// ErrorKind enumerates the error taxonomy from spec §7.
type ErrorKind string

const (
	ErrInvalidConfig      ErrorKind = "invalidConfig"
	ErrInvalidInput       ErrorKind = "invalidInput"
	ErrTimeout            ErrorKind = "timeout"
	ErrCancelled          ErrorKind = "cancelled"
	ErrCredentialMissing  ErrorKind = "credentialMissing"
	ErrCredentialInvalid  ErrorKind = "credentialInvalid"
	ErrRemoteError        ErrorKind = "remoteError"
	ErrInternalError      ErrorKind = "internalError"
)

// Result is the tagged union every handler invocation returns.
type Result struct {
	Kind ResultKind

	// Success fields.
	Output           map[string]interface{}
	BranchesToFollow []string // nil means "follow every outgoing non-error edge"
	Metadata         map[string]interface{}

	// Waiting fields.
	ResumeToken string
	WaitingOn   WaitKind

	// Failure fields.
	ErrorKind ErrorKind
	Message   string
}

// Success builds a success Result.
func Success(output map[string]interface{}) Result {
	return Result{Kind: ResultSuccess, Output: output}
}

// SuccessWithBranches builds a success Result restricted to named handles.
func SuccessWithBranches(output map[string]interface{}, branches []string) Result {
	return Result{Kind: ResultSuccess, Output: output, BranchesToFollow: branches}
}

// Waiting builds a waiting Result.
func Waiting(resumeToken string, on WaitKind) Result {
	return Result{Kind: ResultWaiting, ResumeToken: resumeToken, WaitingOn: on}
}

// Failure builds a failure Result.
func Failure(kind ErrorKind, message string) Result {
	return Result{Kind: ResultFailure, ErrorKind: kind, Message: message}
}

// NodeContext carries everything a handler invocation needs.
type NodeContext struct {
	Context context.Context

	ExecutionID string
	NodeID      string

	// Config is the node's resolved (post-interpolation) configuration.
	Config map[string]interface{}

	// Credentials holds decrypted secret material for the duration of this
	// invocation only (C4); the scheduler zeroizes it after Execute returns.
	Credentials map[string][]byte

	// ExprCtx is the execution context used if the handler itself needs to
	// interpolate additional templates (most interpolation happens before
	// Execute is called, via the scheduler resolving Config).
	ExprCtx *expr.ExecutionContext

	// Loop carries per-iteration state when this node sits inside a loop
	// body ($loop.index / $loop.item).
	Loop *LoopIterationContext

	Deadline time.Time
}

// LoopIterationContext exposes the current loop iteration to a node inside
// a loop body.
type LoopIterationContext struct {
	Index int
	Item  interface{}
}

// ConfigSchema is a minimal JSON-schema-like description used by the
// validator; Required lists config keys that must be present.
type ConfigSchema struct {
	Required []string
	Fields   map[string]FieldSchema
}

// FieldSchema describes one config field's expected type.
type FieldSchema struct {
	Type string // "string", "number", "bool", "object", "array"
}

// InterfaceDef declares a handler's I/O shape and output handles.
type InterfaceDef struct {
	OutputHandles []string // defaults to {"main"} if empty
}

// ValidationError is returned by ValidateConfig on failure.
type ValidationError struct {
	Field   string
	Message string
}

// NodeHandler is the uniform contract every node type implements.
type NodeHandler interface {
	Type() string
	DisplayName() string
	Category() string
	Description() string
	Icon() string

	ConfigSchema() ConfigSchema
	InterfaceDefinition() InterfaceDef
	SupportsAsync() bool

	ValidateConfig(config map[string]interface{}) *ValidationError

	Execute(ctx *NodeContext) Result
}

// Categories recognized by the scheduler and validator.
const (
	CategoryTrigger      = "trigger"
	CategoryErrorTrigger = "errorTrigger"
	CategoryTransform    = "transform"
	CategoryAction       = "action"
	CategoryBranching    = "branching"
	CategoryLoop         = "loop"
	CategoryLoopEnd      = "loopEnd"
	CategorySubWorkflow  = "subWorkflow"
	CategoryOutput       = "output"
)
