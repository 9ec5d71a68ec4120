package builtin

import "github.com/flowcore/engine/internal/handler"

// Loop is the reference Loop handler. The scheduler (C6) never calls its
// Execute: for a loop-category node it runs runLoop instead, which resolves
// the node's loop.itemsExpr itself and drives the per-element re-entry of
// the body subgraph, iteration index/item binding, and parallel-bound
// dispatch. ValidateConfig checks the raw config for a literal `items`
// array; Execute only echoes such an array and its length.
type Loop struct{}

func (Loop) Type() string        { return "loop" }
func (Loop) DisplayName() string { return "Loop" }
func (Loop) Category() string    { return handler.CategoryLoop }
func (Loop) Description() string { return "Iterates an array, re-entering its body once per element." }
func (Loop) Icon() string        { return "repeat" }

func (Loop) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"items"}}
}
func (Loop) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (Loop) SupportsAsync() bool { return false }

func (Loop) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	if _, ok := config["items"].([]interface{}); !ok {
		return &handler.ValidationError{Field: "items", Message: "loop requires an items array"}
	}
	return nil
}

func (Loop) Execute(ctx *handler.NodeContext) handler.Result {
	items, _ := ctx.Config["items"].([]interface{})
	return handler.Success(map[string]interface{}{"items": items, "total": len(items)})
}

// LoopEnd is the reference handler that closes a loop. The scheduler never
// calls its Execute: runLoop itself gathers the per-iteration outputs (in
// iteration-index order, including any continueOnError failure records)
// into the loopEnd's `results` array that downstream consumers read.
// Execute only copies a config["iterationOutputs"] array into `results`.
type LoopEnd struct{}

func (LoopEnd) Type() string        { return "loopEnd" }
func (LoopEnd) DisplayName() string { return "Loop End" }
func (LoopEnd) Category() string    { return handler.CategoryLoopEnd }
func (LoopEnd) Description() string { return "Gathers per-iteration outputs into an array." }
func (LoopEnd) Icon() string        { return "square" }

func (LoopEnd) ConfigSchema() handler.ConfigSchema { return handler.ConfigSchema{} }
func (LoopEnd) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (LoopEnd) SupportsAsync() bool { return false }

func (LoopEnd) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	return nil
}

func (LoopEnd) Execute(ctx *handler.NodeContext) handler.Result {
	results, _ := ctx.Config["iterationOutputs"].([]interface{})
	if results == nil {
		results = []interface{}{}
	}
	return handler.Success(map[string]interface{}{"results": results})
}

// SubWorkflowStarter is the callback wired into SubWorkflow at construction
// (bootstrap's subflowAdapter, backed by the Scheduler), breaking the cyclic Scheduler/Control-API dependency the
// same way the original design note prescribes (§12): the Scheduler depends
// only on the Execution Store and this callback, never on the Control API.
type SubWorkflowStarter interface {
	StartExecution(flowVersionID string, input map[string]interface{}, parentExecutionID string) (executionID string, err error)
	ExecutionStatus(executionID string) (status string, output map[string]interface{}, found bool)
}

// SubWorkflow is the reference SubWorkflow handler (§4.6 "Sub-flow invocation").
type SubWorkflow struct {
	starter SubWorkflowStarter
}

// NewSubWorkflow constructs the subWorkflow handler.
func NewSubWorkflow(starter SubWorkflowStarter) *SubWorkflow {
	return &SubWorkflow{starter: starter}
}

func (s *SubWorkflow) Type() string        { return "subWorkflow" }
func (s *SubWorkflow) DisplayName() string { return "Sub-flow" }
func (s *SubWorkflow) Category() string    { return handler.CategorySubWorkflow }
func (s *SubWorkflow) Description() string { return "Invokes the engine recursively on another FlowVersion." }
func (s *SubWorkflow) Icon() string        { return "git-merge" }

func (s *SubWorkflow) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"flowVersionId"}}
}
func (s *SubWorkflow) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (s *SubWorkflow) SupportsAsync() bool { return true }

func (s *SubWorkflow) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	id, ok := config["flowVersionId"].(string)
	if !ok || id == "" {
		return &handler.ValidationError{Field: "flowVersionId", Message: "subWorkflow requires a flowVersionId"}
	}
	return nil
}

func (s *SubWorkflow) Execute(ctx *handler.NodeContext) handler.Result {
	flowVersionID, _ := ctx.Config["flowVersionId"].(string)
	input, _ := ctx.Config["input"].(map[string]interface{})
	waitForCompletion, _ := ctx.Config["waitForCompletion"].(bool)

	subID, err := s.starter.StartExecution(flowVersionID, input, ctx.ExecutionID)
	if err != nil {
		return handler.Failure(handler.ErrInternalError, err.Error())
	}

	if !waitForCompletion {
		return handler.Success(map[string]interface{}{
			"subExecutionId": subID,
			"status":         "triggered",
		})
	}

	return handler.Waiting(subID, handler.WaitSignal)
}

// Resume reports the child Execution's terminal state back to the parent
// node once the scheduler observes the child has terminated.
func (s *SubWorkflow) Resume(subExecutionID string) handler.Result {
	status, output, found := s.starter.ExecutionStatus(subExecutionID)
	if !found {
		return handler.Failure(handler.ErrInternalError, "sub-execution not found")
	}
	if status == "failed" || status == "cancelled" {
		return handler.Failure(handler.ErrRemoteError, "sub-execution "+status)
	}
	return handler.Success(output)
}
