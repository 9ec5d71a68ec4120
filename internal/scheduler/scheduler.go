// Package scheduler implements the ready-queue DAG executor (C6) — the
// core of the engine. Grounded on the channel-driven worker-pool/
// task-queue/result-queue shape of
// other_examples/.../execution/scheduler/scheduler.go (NewScheduler,
// worker, processUntilComplete), with branch-pruning and error-edge-arming
// semantics adapted from the teacher's
// cmd/workflow-runner/operators/control_flow.go ControlFlowRouter and
// cmd/workflow-runner/coordinator/coordinator.go's absorber-node handling
// (branch/loop nodes resolved inline, without a worker round-trip) —
// reshaped from their distributed Redis-stream choreography into a single
// in-process execution loop per Execution, per this engine's concurrency
// model (§4.6: "exactly one execution loop owns the state").
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/engine/internal/credential"
	"github.com/flowcore/engine/internal/expr"
	"github.com/flowcore/engine/internal/graph"
	"github.com/flowcore/engine/internal/handler"
	"github.com/flowcore/engine/internal/logger"
	"github.com/flowcore/engine/internal/store"
)

// FlowVersionLoader resolves a FlowVersion by id, used to look up a
// sub-flow's definition when the subWorkflow handler starts a child
// Execution, and finds the published FlowVersions whose errorTrigger node
// watches a given flow (§4.7 step 3).
type FlowVersionLoader interface {
	Load(ctx context.Context, flowVersionID string) (*graph.FlowVersion, error)
	FindWatchingErrorTriggers(ctx context.Context, flowID string) ([]*graph.FlowVersion, error)
}

// EventPublisher emits node-status transitions for the Control API's
// WebSocket stream (§6). Best-effort: a publish failure never fails the
// Execution.
type EventPublisher interface {
	PublishNodeEvent(executionID, nodeID, status string, at time.Time)
}

// Deps wires the Scheduler's collaborators. None of them is optional except
// Events, which may be nil (events are then dropped).
type Deps struct {
	Handlers          *handler.Registry
	FlowVersions      FlowVersionLoader
	Evaluator         *expr.Evaluator
	Credentials       credential.Resolver
	Store             store.ExecutionStore
	Logger            *logger.Logger
	Events            EventPublisher
	MaxConcurrentDefault int
	GlobalWorkerBudget    int
	CancelGracePeriod     time.Duration
	DefaultNodeTimeout    time.Duration
}

// Scheduler drives Executions to completion. One Scheduler instance is
// shared process-wide; it multiplexes many concurrent Executions, each
// owned by its own execution loop goroutine, bounded by a global worker
// budget semaphore shared across all of them.
type Scheduler struct {
	deps      Deps
	globalSem chan struct{}

	mu       sync.Mutex
	active   map[string]*activeRun
	children map[string][]string // parentExecutionId -> in-flight child executionIds
	parentOf map[string]string   // childExecutionId -> parentExecutionId
}

// activeRun is the Scheduler's handle on one in-flight Execution, used to
// route Cancel/Resume calls to the right execution loop.
type activeRun struct {
	cancel   context.CancelFunc
	resumeCh chan resumeRequest
	done     chan struct{}
	waits    *waitRegistry
	sem      chan struct{} // per-Execution concurrency limiter (Settings.MaxConcurrentNodes)
}

type resumeRequest struct {
	resumeToken string
	payload     map[string]interface{}
}

// New constructs a Scheduler.
func New(deps Deps) *Scheduler {
	if deps.GlobalWorkerBudget <= 0 {
		deps.GlobalWorkerBudget = 256
	}
	if deps.MaxConcurrentDefault <= 0 {
		deps.MaxConcurrentDefault = 8
	}
	if deps.CancelGracePeriod <= 0 {
		deps.CancelGracePeriod = 5 * time.Second
	}
	if deps.DefaultNodeTimeout <= 0 {
		deps.DefaultNodeTimeout = 30 * time.Second
	}
	return &Scheduler{
		deps:      deps,
		globalSem: make(chan struct{}, deps.GlobalWorkerBudget),
		active:    make(map[string]*activeRun),
		children:  make(map[string][]string),
		parentOf:  make(map[string]string),
	}
}

// Start validates fv's definition, persists a pending Execution row, and
// launches its execution loop in the background. Returns the new
// Execution's id immediately; the caller (Control API) observes progress
// through the Execution Store or the WebSocket event stream.
func (s *Scheduler) Start(ctx context.Context, fv *graph.FlowVersion, userID string, trigger store.TriggerKind, input map[string]interface{}, parentExecutionID *string) (string, error) {
	skipped, verr := graph.NewValidator(s.deps.Handlers).Validate(fv.Definition)
	if len(verr.NodeDiagnostics) > 0 {
		return "", verr
	}

	id := uuid.NewString()
	exec := &store.Execution{
		ID:                id,
		FlowVersionID:     fv.ID,
		UserID:            userID,
		Status:            store.ExecutionPending,
		StartedAt:         time.Now(),
		Trigger:           trigger,
		Input:             input,
		ParentExecutionID: parentExecutionID,
	}
	if err := s.deps.Store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("scheduler: create execution: %w", err)
	}

	maxConcurrent := fv.Settings.MaxConcurrentNodes
	if maxConcurrent <= 0 {
		maxConcurrent = s.deps.MaxConcurrentDefault
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		cancel:   cancel,
		resumeCh: make(chan resumeRequest, 8),
		done:     make(chan struct{}),
		waits:    newWaitRegistry(),
		sem:      make(chan struct{}, maxConcurrent),
	}
	s.mu.Lock()
	s.active[id] = run
	if parentExecutionID != nil {
		s.children[*parentExecutionID] = append(s.children[*parentExecutionID], id)
		s.parentOf[id] = *parentExecutionID
	}
	s.mu.Unlock()

	go func() {
		defer close(run.done)
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			if parent, ok := s.parentOf[id]; ok {
				s.children[parent] = removeString(s.children[parent], id)
				if len(s.children[parent]) == 0 {
					delete(s.children, parent)
				}
				delete(s.parentOf, id)
			}
			delete(s.children, id)
			s.mu.Unlock()
		}()
		s.runExecution(runCtx, exec, fv, skipped, run)
	}()

	return id, nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Cancel flips the cooperative cancellation token for a running Execution
// and cascades to every currently in-flight sub-flow Execution it started,
// recursively, per §4.6 "Cancellation of the parent propagates to children."
// The execution loop observes it between dispatches, and running handlers
// observe it through their NodeContext's context.
func (s *Scheduler) Cancel(executionID string) bool {
	s.mu.Lock()
	run, ok := s.active[executionID]
	children := append([]string(nil), s.children[executionID]...)
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	for _, childID := range children {
		s.Cancel(childID)
	}
	return true
}

// Resume delivers a payload to a node parked `Waiting` on resumeToken
// (approval handlers, the Control API's resume endpoint).
func (s *Scheduler) Resume(executionID, resumeToken string, payload map[string]interface{}) bool {
	s.mu.Lock()
	run, ok := s.active[executionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case run.resumeCh <- resumeRequest{resumeToken: resumeToken, payload: payload}:
		return true
	default:
		return false
	}
}

// StartExecution implements builtin.SubWorkflowStarter: it inherits the
// parent's userID and starts the child as trigger=subFlow.
func (s *Scheduler) StartExecution(flowVersionID string, input map[string]interface{}, parentExecutionID string) (string, error) {
	ctx := context.Background()
	parent, err := s.deps.Store.FindExecution(ctx, parentExecutionID)
	if err != nil {
		return "", fmt.Errorf("scheduler: load parent execution: %w", err)
	}
	fv, err := s.deps.FlowVersions.Load(ctx, flowVersionID)
	if err != nil {
		return "", fmt.Errorf("scheduler: load sub-flow version: %w", err)
	}
	parentID := parentExecutionID
	return s.Start(ctx, fv, parent.UserID, store.TriggerSubFlow, input, &parentID)
}

// ExecutionStatus implements builtin.SubWorkflowStarter.
func (s *Scheduler) ExecutionStatus(executionID string) (status string, output map[string]interface{}, found bool) {
	exec, err := s.deps.Store.FindExecution(context.Background(), executionID)
	if err != nil {
		return "", nil, false
	}
	return string(exec.Status), exec.Output, true
}

// runExecution is the top-level execution loop for one Execution: it
// transitions the Execution to running, drives the whole graph through a
// regionRunner, services external resumes until the region drains, applies
// the final-output merge rule (§4.6), and persists the terminal transition.
func (s *Scheduler) runExecution(ctx context.Context, exec *store.Execution, fv *graph.FlowVersion, skipped map[string]bool, run *activeRun) {
	if err := s.deps.Store.Transition(ctx, exec.ID, store.ExecutionRunning, nil, nil); err != nil {
		s.deps.Logger.Error("transition to running failed", "executionId", exec.ID, "error", err)
	}

	nodeIDs := make(map[string]bool, len(fv.Definition.Nodes))
	for id := range fv.Definition.Nodes {
		nodeIDs[id] = true
	}

	rr := &regionRunner{
		sched: s,
		exec:  exec,
		fv:    fv,
		g:     fv.Definition,
		waits: run.waits,
		sem:   run.sem,
	}

	// Service external Resume calls for the whole lifetime of this
	// Execution: each payload is matched against run.waits (which every
	// nested loop-iteration region shares) regardless of which region
	// instance actually parked the node.
	stopResume := make(chan struct{})
	resumeDone := make(chan struct{})
	go func() {
		defer close(resumeDone)
		for {
			select {
			case req := <-run.resumeCh:
				run.waits.resolve(req.resumeToken, req.payload)
			case <-stopResume:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	result, runErr := rr.run(ctx, nodeIDs, nil, skipped)
	close(stopResume)
	<-resumeDone

	finalStatus := store.ExecutionCompleted
	var execErr *string
	if result.failedNode != "" || runErr != nil {
		finalStatus = store.ExecutionFailed
		msg := "execution failed"
		if result.failResult != nil {
			msg = result.failResult.Message
		} else if runErr != nil {
			msg = runErr.Error()
		}
		execErr = &msg
	}
	if ctx.Err() == context.Canceled {
		finalStatus = store.ExecutionCancelled
	}

	outputNodes := filterOutputsByCategory(s.deps.Handlers, fv.Definition, result.outputs)
	outputNodeIDs := make([]string, 0, len(outputNodes))
	for id := range outputNodes {
		outputNodeIDs = append(outputNodeIDs, id)
	}
	output := mergeOutputs(outputNodes, outputNodeIDs)
	if err := s.deps.Store.Transition(context.WithoutCancel(ctx), exec.ID, finalStatus, output, execErr); err != nil {
		s.deps.Logger.Error("terminal transition failed", "executionId", exec.ID, "status", finalStatus, "error", err)
	}
	if s.deps.Events != nil {
		s.deps.Events.PublishNodeEvent(exec.ID, "", string(finalStatus), time.Now())
	}

	if exec.ParentExecutionID != nil {
		s.wakeParent(*exec.ParentExecutionID, exec.ID)
	}
	if finalStatus == store.ExecutionFailed {
		s.dispatchErrorTriggers(exec, fv.FlowID, result.failedNode, execErr)
	}
}

// wakeParent signals the parent Execution's subWorkflow node that this
// child (execID) has reached a terminal state, per §4.6 "the engine
// signals completion when the child terminates". It reuses the same
// resumeCh/waitRegistry path the Control API's external resume endpoint
// uses: builtin.SubWorkflow.Resume is keyed by the child's own
// Execution id and reads the child's status back from the Store.
func (s *Scheduler) wakeParent(parentExecutionID, childExecutionID string) {
	s.mu.Lock()
	parentRun, ok := s.active[parentExecutionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	req := resumeRequest{
		resumeToken: childExecutionID,
		payload:     map[string]interface{}{"subExecutionId": childExecutionID},
	}
	select {
	case parentRun.resumeCh <- req:
	default:
		s.deps.Logger.Error("dropped sub-flow completion signal: parent resumeCh full", "parentExecutionId", parentExecutionID, "childExecutionId", childExecutionID)
	}
}

// dispatchErrorTriggers implements §4.7 step 3: when exec reaches failed,
// every published FlowVersion with an errorTrigger node whose configured
// watch names exec's flow is started as a new Execution carrying the
// failure details as input.
func (s *Scheduler) dispatchErrorTriggers(exec *store.Execution, flowID, failedNodeID string, execErr *string) {
	if s.deps.FlowVersions == nil {
		return
	}
	ctx := context.Background()
	watchers, err := s.deps.FlowVersions.FindWatchingErrorTriggers(ctx, flowID)
	if err != nil {
		s.deps.Logger.Error("find watching error triggers failed", "flowId", flowID, "error", err)
		return
	}
	if len(watchers) == 0 {
		return
	}
	errMsg := ""
	if execErr != nil {
		errMsg = *execErr
	}
	payload := map[string]interface{}{
		"failedExecutionId": exec.ID,
		"failedNodeId":      failedNodeID,
		"error":             errMsg,
	}
	for _, watcher := range watchers {
		if _, err := s.Start(ctx, watcher, "system", store.TriggerError, payload, nil); err != nil {
			s.deps.Logger.Error("error-trigger dispatch failed", "flowVersionId", watcher.ID, "failedExecutionId", exec.ID, "error", err)
		}
	}
}

// filterOutputsByCategory restricts outputs to nodes whose handler category
// is `output`, per §4.6's final-output merge rule ("the union of outputs of
// every node whose handler category is output"). The caller then merges
// them via mergeOutputs, later node ids (in lexicographic order)
// overwriting earlier ones on key collision; the merge order is by node id,
// not by topological position.
func filterOutputsByCategory(handlers *handler.Registry, g *graph.Graph, outputs map[string]map[string]interface{}) map[string]map[string]interface{} {
	filtered := make(map[string]map[string]interface{})
	for nodeID, out := range outputs {
		node, ok := g.Nodes[nodeID]
		if !ok {
			continue
		}
		h, ok := handlers.Get(node.Type)
		if !ok || h.Category() != handler.CategoryOutput {
			continue
		}
		filtered[nodeID] = out
	}
	return filtered
}
