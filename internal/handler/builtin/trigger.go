package builtin

import "github.com/flowcore/engine/internal/handler"

// ManualTrigger is the reference Trigger handler: it has no inbound edges
// and its output is the Execution's trigger input, letting downstream nodes
// address it via $node["<triggerId>"].json.
type ManualTrigger struct{}

func (ManualTrigger) Type() string        { return "manualTrigger" }
func (ManualTrigger) DisplayName() string { return "Manual Trigger" }
func (ManualTrigger) Category() string    { return handler.CategoryTrigger }
func (ManualTrigger) Description() string { return "Starts an Execution with the caller-supplied input." }
func (ManualTrigger) Icon() string        { return "play" }

func (ManualTrigger) ConfigSchema() handler.ConfigSchema { return handler.ConfigSchema{} }
func (ManualTrigger) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (ManualTrigger) SupportsAsync() bool { return false }

func (ManualTrigger) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	return nil
}

func (ManualTrigger) Execute(ctx *handler.NodeContext) handler.Result {
	input := map[string]interface{}{}
	if ctx.ExprCtx != nil && ctx.ExprCtx.Input != nil {
		input = ctx.ExprCtx.Input
	}
	return handler.Success(input)
}

// ErrorTrigger is the Trigger-category handler that originates a fresh
// Execution when another FlowVersion's Execution fails and names this flow
// in its "watch" configuration (§4.7 step 3).
type ErrorTrigger struct{}

func (ErrorTrigger) Type() string        { return "errorTrigger" }
func (ErrorTrigger) DisplayName() string { return "Error Trigger" }
func (ErrorTrigger) Category() string    { return handler.CategoryErrorTrigger }
func (ErrorTrigger) Description() string {
	return "Starts an Execution when a watched flow's Execution fails."
}
func (ErrorTrigger) Icon() string { return "alert-triangle" }

func (ErrorTrigger) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"watch"}}
}
func (ErrorTrigger) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (ErrorTrigger) SupportsAsync() bool { return false }

func (ErrorTrigger) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	if _, ok := config["watch"]; !ok {
		return &handler.ValidationError{Field: "watch", Message: "errorTrigger requires a watch flow id"}
	}
	return nil
}

func (ErrorTrigger) Execute(ctx *handler.NodeContext) handler.Result {
	input := map[string]interface{}{}
	if ctx.ExprCtx != nil && ctx.ExprCtx.Input != nil {
		input = ctx.ExprCtx.Input
	}
	return handler.Success(input)
}
