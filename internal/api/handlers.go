// Package api implements the Control API (C9): the HTTP/JSON surface for
// starting, cancelling, inspecting, and resuming Executions, plus the
// node-status WebSocket stream.
//
// Grounded on cmd/orchestrator/main.go's Echo setup and
// handlers/run.go's RunHandler (ExecuteWorkflow, GetRun, PatchRun), adapted
// from the teacher's compiled-workflow-artifact model onto this engine's
// FlowVersion/Execution shape.
package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flowcore/engine/internal/api/ws"
	"github.com/flowcore/engine/internal/graph"
	"github.com/flowcore/engine/internal/handler"
	"github.com/flowcore/engine/internal/logger"
	"github.com/flowcore/engine/internal/scheduler"
	"github.com/flowcore/engine/internal/store"
)

// ExecutionHandler serves every Control API route.
type ExecutionHandler struct {
	scheduler *scheduler.Scheduler
	flows     *store.FlowStore
	execs     store.ExecutionStore
	handlers  *handler.Registry
	ws        *ws.Server
	log       *logger.Logger
}

// NewExecutionHandler constructs an ExecutionHandler.
func NewExecutionHandler(sched *scheduler.Scheduler, flows *store.FlowStore, execs store.ExecutionStore, handlers *handler.Registry, wsServer *ws.Server, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{scheduler: sched, flows: flows, execs: execs, handlers: handlers, ws: wsServer, log: log}
}

// Register wires every route onto e.
func (h *ExecutionHandler) Register(e *echo.Echo) {
	e.GET("/health", h.health)
	e.GET("/node-types", h.listNodeTypes)

	executions := e.Group("/executions")
	executions.Use(ExtractUsername())
	executions.POST("", h.createExecution)
	executions.POST("/:id/cancel", h.cancelExecution)
	executions.GET("/:id", h.getExecution)
	executions.GET("/:id/node-runs", h.listNodeRuns)
	executions.POST("/:id/resume", h.resumeExecution)
	executions.GET("/:id/events", h.streamEvents)

	e.POST("/flow-versions/:id/patch", h.patchFlowVersion)
}

func (h *ExecutionHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "engine"})
}

func (h *ExecutionHandler) listNodeTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"nodeTypes": h.handlers.List()})
}

type createExecutionRequest struct {
	FlowVersionID string                 `json:"flowVersionId"`
	Input         map[string]interface{} `json:"input"`
	Trigger       string                 `json:"trigger"`
	AllowDraft    bool                   `json:"allowDraft"`
}

// createExecution implements POST /executions.
func (h *ExecutionHandler) createExecution(c echo.Context) error {
	var req createExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if req.FlowVersionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "flowVersionId is required")
	}

	fv, err := h.flows.Load(c.Request().Context(), req.FlowVersionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "flow version not found")
		}
		h.log.Error("load flow version failed", "flowVersionId", req.FlowVersionID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load flow version")
	}
	if fv.Status != graph.FlowVersionPublished && !req.AllowDraft {
		return echo.NewHTTPError(http.StatusConflict, "flow version is not published")
	}

	trigger := store.TriggerManual
	if req.Trigger != "" {
		trigger = store.TriggerKind(req.Trigger)
	}

	id, err := h.scheduler.Start(c.Request().Context(), fv, username(c), trigger, req.Input, nil)
	if err != nil {
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid flow definition", "diagnostics": verr.NodeDiagnostics})
		}
		h.log.Error("start execution failed", "flowVersionId", req.FlowVersionID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start execution")
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{"id": id, "status": store.ExecutionPending})
}

// cancelExecution implements POST /executions/{id}/cancel. Idempotent: a
// cancel on an execution that has already finished (or never existed as an
// in-memory active run) is a no-op success, matching the terminal-state
// durability guarantee that a finished Execution's status never reverts.
func (h *ExecutionHandler) cancelExecution(c echo.Context) error {
	id := c.Param("id")
	h.scheduler.Cancel(id)
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "cancelling"})
}

func (h *ExecutionHandler) getExecution(c echo.Context) error {
	exec, err := h.execs.FindExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "execution not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load execution")
	}
	return c.JSON(http.StatusOK, exec)
}

func (h *ExecutionHandler) listNodeRuns(c echo.Context) error {
	runs, err := h.execs.ListNodeRuns(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list node runs")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"nodeRuns": runs})
}

type resumeRequest struct {
	ResumeToken string                 `json:"resumeToken"`
	Payload     map[string]interface{} `json:"payload"`
}

func (h *ExecutionHandler) resumeExecution(c echo.Context) error {
	var req resumeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if req.ResumeToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resumeToken is required")
	}

	if !h.scheduler.Resume(c.Param("id"), req.ResumeToken, req.Payload) {
		return echo.NewHTTPError(http.StatusNotFound, "no waiting node for that execution/resumeToken")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"resumed": true})
}

// streamEvents upgrades to a WebSocket and registers the connection against
// this Execution's node-status event stream (§6).
func (h *ExecutionHandler) streamEvents(c echo.Context) error {
	if err := h.ws.HandleWebSocket(c.Param("id"), c.Response().Writer, c.Request()); err != nil {
		h.log.Warn("websocket upgrade failed", "executionId", c.Param("id"), "error", err)
	}
	return nil
}
