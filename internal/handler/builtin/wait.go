package builtin

import (
	"time"

	"github.com/flowcore/engine/internal/handler"
)

// Wait is the reference Action handler that sleeps for a configured
// duration, observing cooperative cancellation (§4.6 "Cancellation &
// timeouts"). Used by the cancellation testable-property scenario (§11.6).
type Wait struct{}

func (Wait) Type() string        { return "wait" }
func (Wait) DisplayName() string { return "Wait" }
func (Wait) Category() string    { return handler.CategoryAction }
func (Wait) Description() string { return "Pauses for a configured duration." }
func (Wait) Icon() string        { return "clock" }

func (Wait) ConfigSchema() handler.ConfigSchema {
	return handler.ConfigSchema{Required: []string{"durationMs"}}
}
func (Wait) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"main"}}
}
func (Wait) SupportsAsync() bool { return false }

func (Wait) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	ms, ok := toFloat(config["durationMs"])
	if !ok || ms < 0 {
		return &handler.ValidationError{Field: "durationMs", Message: "wait requires a non-negative durationMs"}
	}
	return nil
}

func (Wait) Execute(ctx *handler.NodeContext) handler.Result {
	ms, _ := toFloat(ctx.Config["durationMs"])
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return handler.Success(map[string]interface{}{"waitedMs": ms})
	case <-ctx.Context.Done():
		return handler.Failure(handler.ErrCancelled, "wait observed cancellation")
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Approval is the reference async handler: it immediately parks as Waiting
// until an operator calls POST /executions/{id}/resume with the matching
// resume token (§4.3 SupportsAsync, §6 resume endpoint). Grounded on
// cmd/hitl-worker's human-in-the-loop pattern — kept in-process here rather
// than as a separate worker process per the Scheduler's single-loop design.
type Approval struct {
	newToken func() string
}

// NewApproval constructs the approval handler with a resume-token generator.
func NewApproval(newToken func() string) *Approval {
	return &Approval{newToken: newToken}
}

func (a *Approval) Type() string        { return "approval" }
func (a *Approval) DisplayName() string { return "Approval" }
func (a *Approval) Category() string    { return handler.CategoryAction }
func (a *Approval) Description() string { return "Parks for an external approve/reject decision." }
func (a *Approval) Icon() string        { return "user-check" }

func (a *Approval) ConfigSchema() handler.ConfigSchema { return handler.ConfigSchema{} }
func (a *Approval) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: []string{"approved", "rejected"}}
}
func (a *Approval) SupportsAsync() bool { return true }

func (a *Approval) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	return nil
}

func (a *Approval) Execute(ctx *handler.NodeContext) handler.Result {
	token := a.newToken()
	return handler.Waiting(token, handler.WaitApproval)
}

// Resume is called by the scheduler when POST /executions/{id}/resume
// delivers a payload for this node's resume token; it is not part of the
// NodeHandler interface (resume only applies to handlers that returned
// Waiting) but is invoked the same way by the scheduler's resume path.
func (a *Approval) Resume(payload map[string]interface{}) handler.Result {
	approved, _ := payload["approved"].(bool)
	if approved {
		return handler.SuccessWithBranches(payload, []string{"approved"})
	}
	return handler.SuccessWithBranches(payload, []string{"rejected"})
}
