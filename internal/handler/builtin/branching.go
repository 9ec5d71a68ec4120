package builtin

import (
	"fmt"

	"github.com/flowcore/engine/internal/handler"
)

// Condition is the reference Branching handler with two output handles,
// "true" and "false". Its single CEL boolean expression is grounded on
// cmd/workflow-runner/operators/control_flow.go's BranchOperator, which
// evaluates ordered CEL rules against a node's upstream output and the
// execution context.
type Condition struct {
	cel *celEvaluator
}

// NewCondition constructs the condition handler, compiling its CEL
// environment once.
func NewCondition() (*Condition, error) {
	c, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Condition{cel: c}, nil
}

func (c *Condition) Type() string        { return "condition" }
func (c *Condition) DisplayName() string { return "Condition" }
func (c *Condition) Category() string    { return handler.CategoryBranching }
func (c *Condition) Description() string { return "Evaluates a CEL expression and branches true/false." }
func (c *Condition) Icon() string        { return "git-branch" }

func (c *Condition) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"expression"}}
}
func (c *Condition) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"true", "false"}}
}
func (c *Condition) SupportsAsync() bool { return false }

func (c *Condition) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	expr, ok := config["expression"].(string)
	if !ok || expr == "" {
		return &handler.ValidationError{Field: "expression", Message: "condition requires a non-empty expression string"}
	}
	return nil
}

func (c *Condition) Execute(ctx *handler.NodeContext) handler.Result {
	expr, _ := ctx.Config["expression"].(string)
	output := ctx.Config["input"]

	var varCtx interface{}
	if ctx.ExprCtx != nil {
		varCtx = ctx.ExprCtx.Vars
	}

	matched, err := c.cel.evalBool(expr, output, varCtx)
	if err != nil {
		return handler.Failure(handler.ErrInvalidInput, fmt.Sprintf("condition evaluation failed: %v", err))
	}
	if matched {
		return handler.SuccessWithBranches(map[string]interface{}{"matched": true}, []string{"true"})
	}
	return handler.SuccessWithBranches(map[string]interface{}{"matched": false}, []string{"false"})
}

// SwitchRule is one ordered CEL rule in a Switch node's config.
type SwitchRule struct {
	Expression string `json:"expression"`
	Handle     string `json:"handle"`
}

// Switch is the reference Branching handler with N+1 output handles
// ("case_0"…"case_n", "default"), evaluating ordered CEL rules and falling
// through to "default" if none match. Grounded on the same
// BranchOperator.HandleBranch ordered-rule-evaluation idiom as Condition.
type Switch struct {
	cel *celEvaluator
}

// NewSwitch constructs the switch handler.
func NewSwitch() (*Switch, error) {
	c, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	return &Switch{cel: c}, nil
}

func (s *Switch) Type() string        { return "switch" }
func (s *Switch) DisplayName() string { return "Switch" }
func (s *Switch) Category() string    { return handler.CategoryBranching }
func (s *Switch) Description() string { return "Evaluates ordered CEL rules, falling through to default." }
func (s *Switch) Icon() string        { return "list-tree" }

func (s *Switch) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"rules"}}
}
func (s *Switch) InterfaceDefinition() handler.InterfaceDef {
	// This fixed set is the only one the validator accepts on a switch
	// node's outbound edges; instances cannot declare other cases.
	return handler.InterfaceDef{OutputHandles: []string{"case_0", "case_1", "case_2", "default"}}
}
func (s *Switch) SupportsAsync() bool { return false }

func (s *Switch) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	rules, ok := config["rules"].([]interface{})
	if !ok || len(rules) == 0 {
		return &handler.ValidationError{Field: "rules", Message: "switch requires a non-empty rules array"}
	}
	return nil
}

func (s *Switch) Execute(ctx *handler.NodeContext) handler.Result {
	rulesRaw, _ := ctx.Config["rules"].([]interface{})
	output := ctx.Config["input"]

	var varCtx interface{}
	if ctx.ExprCtx != nil {
		varCtx = ctx.ExprCtx.Vars
	}

	for _, raw := range rulesRaw {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		expr, _ := rule["expression"].(string)
		handle, _ := rule["handle"].(string)
		if expr == "" || handle == "" {
			continue
		}
		matched, err := s.cel.evalBool(expr, output, varCtx)
		if err != nil {
			continue
		}
		if matched {
			return handler.SuccessWithBranches(map[string]interface{}{"matchedHandle": handle}, []string{handle})
		}
	}
	return handler.SuccessWithBranches(map[string]interface{}{"matchedHandle": "default"}, []string{"default"})
}
