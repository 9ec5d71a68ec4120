package builtin

import "github.com/flowcore/engine/internal/handler"

// SetFields is the reference Transform handler. By the time Execute runs,
// the scheduler has already resolved every `{{ }}` template inside
// config["fields"] against the execution context (C1), so the handler's
// entire job is to surface that resolved map as its output.
type SetFields struct{}

func (SetFields) Type() string        { return "setFields" }
func (SetFields) DisplayName() string { return "Set Fields" }
func (SetFields) Category() string    { return handler.CategoryTransform }
func (SetFields) Description() string { return "Assigns output fields from templated expressions." }
func (SetFields) Icon() string        { return "edit" }

func (SetFields) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"fields"}}
}
func (SetFields) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (SetFields) SupportsAsync() bool { return false }

func (SetFields) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	fields, ok := config["fields"]
	if !ok {
		return &handler.ValidationError{Field: "fields", Message: "setFields requires a fields object"}
	}
	if _, ok := fields.(map[string]interface{}); !ok {
		return &handler.ValidationError{Field: "fields", Message: "fields must be an object"}
	}
	return nil
}

func (SetFields) Execute(ctx *handler.NodeContext) handler.Result {
	fields, _ := ctx.Config["fields"].(map[string]interface{})
	return handler.Success(fields)
}

// Output marks its upstream value for inclusion in the Execution's final
// merged output (§4.6 termination rule): the final output is the union of
// every `output`-category node's Output, merged in node-id order (not
// topological order).
type Output struct{}

func (Output) Type() string        { return "output" }
func (Output) DisplayName() string { return "Output" }
func (Output) Category() string    { return handler.CategoryOutput }
func (Output) Description() string { return "Marks its input for inclusion in the Execution's final output." }
func (Output) Icon() string        { return "flag" }

func (Output) ConfigSchema() handler.ConfigSchema { return handler.ConfigSchema{} }
func (Output) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (Output) SupportsAsync() bool { return false }

func (Output) ValidateConfig(config map[string]interface{}) *handler.ValidationError { return nil }

func (Output) Execute(ctx *handler.NodeContext) handler.Result {
	// The scheduler resolves config["value"] (typically a $node[...] template
	// referencing the upstream node) before invoking Execute.
	if value, ok := ctx.Config["value"].(map[string]interface{}); ok {
		return handler.Success(value)
	}
	return handler.Success(ctx.Config)
}
