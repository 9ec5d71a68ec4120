package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowcore/engine/internal/expr"
	"github.com/flowcore/engine/internal/graph"
	"github.com/flowcore/engine/internal/handler"
	"github.com/flowcore/engine/internal/logger"
	"github.com/flowcore/engine/internal/store"
)

// fakeStore is an in-memory ExecutionStore, grounded on the teacher's
// hand-rolled-fakes test style (internal/graph/validate_test.go,
// internal/retry/policy_test.go) rather than a mocking library.
type fakeStore struct {
	mu         sync.Mutex
	executions map[string]*store.Execution
	nodeRuns   map[string][]*store.NodeRun
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: make(map[string]*store.Execution),
		nodeRuns:   make(map[string][]*store.NodeRun),
	}
}

func (f *fakeStore) CreateExecution(ctx context.Context, exec *store.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *exec
	f.executions[exec.ID] = &cp
	return nil
}

func (f *fakeStore) Transition(ctx context.Context, executionID string, status store.ExecutionStatus, output map[string]interface{}, execErr *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	exec.Status = status
	if output != nil {
		exec.Output = output
	}
	exec.Error = execErr
	return nil
}

func (f *fakeStore) RecordNodeRun(ctx context.Context, run *store.NodeRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.nodeRuns[run.ExecutionID] = append(f.nodeRuns[run.ExecutionID], &cp)
	return nil
}

func (f *fakeStore) LoadPinnedData(ctx context.Context, flowVersionID, nodeID string) (*store.PinnedData, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) FindExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.executions[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (f *fakeStore) ListNodeRuns(ctx context.Context, executionID string) ([]*store.NodeRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.NodeRun(nil), f.nodeRuns[executionID]...), nil
}

func (f *fakeStore) runStatus(executionID, nodeID string) (store.NodeRunStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.NodeRun
	for _, r := range f.nodeRuns[executionID] {
		if r.NodeID == nodeID && (latest == nil || r.Attempt >= latest.Attempt) {
			latest = r
		}
	}
	if latest == nil {
		return "", false
	}
	return latest.Status, true
}

// stubHandler is a minimal NodeHandler double. resume is only ever invoked
// when a test explicitly parks the handler via a Waiting result and then
// calls Scheduler.Resume.
type stubHandler struct {
	typ      string
	category string
	handles  []string
	execute  func(ctx *handler.NodeContext) handler.Result
	resume   func(payload map[string]interface{}) handler.Result
}

func (s *stubHandler) Type() string        { return s.typ }
func (s *stubHandler) DisplayName() string { return s.typ }
func (s *stubHandler) Category() string    { return s.category }
func (s *stubHandler) Description() string { return "" }
func (s *stubHandler) Icon() string        { return "" }
func (s *stubHandler) ConfigSchema() handler.ConfigSchema { return handler.ConfigSchema{} }
func (s *stubHandler) InterfaceDefinition() handler.InterfaceDef {
	return handler.InterfaceDef{OutputHandles: s.handles}
}
func (s *stubHandler) SupportsAsync() bool { return s.resume != nil }
func (s *stubHandler) ValidateConfig(config map[string]interface{}) *handler.ValidationError {
	return nil
}
func (s *stubHandler) Execute(ctx *handler.NodeContext) handler.Result { return s.execute(ctx) }
func (s *stubHandler) Resume(payload map[string]interface{}) handler.Result {
	return s.resume(payload)
}

type noCredentials struct{}

func (noCredentials) Resolve(ctx context.Context, ref, userID string) (map[string][]byte, error) {
	return nil, fmt.Errorf("no credentials configured in test")
}

func testDeps(t *testing.T, reg *handler.Registry, st store.ExecutionStore) Deps {
	t.Helper()
	return Deps{
		Handlers:           reg,
		Evaluator:          expr.New(),
		Credentials:        noCredentials{},
		Store:              st,
		Logger:             logger.New("error", "console"),
		CancelGracePeriod:  200 * time.Millisecond,
		DefaultNodeTimeout: 5 * time.Second,
	}
}

func waitForTerminal(t *testing.T, st *fakeStore, executionID string, timeout time.Duration) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, err := st.FindExecution(context.Background(), executionID)
		if err == nil {
			switch exec.Status {
			case store.ExecutionCompleted, store.ExecutionFailed, store.ExecutionCancelled:
				return exec
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal status within %s", executionID, timeout)
	return nil
}

func TestScheduler_LinearSuccess(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(map[string]interface{}{}) }})
	reg.MustRegister(&stubHandler{typ: "transform", category: handler.CategoryTransform,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(map[string]interface{}{"value": 42}) }})
	reg.MustRegister(&stubHandler{typ: "output", category: handler.CategoryOutput,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(map[string]interface{}{"final": true}) }})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t": {ID: "t", Type: "trigger"},
				"x": {ID: "x", Type: "transform"},
				"o": {ID: "o", Type: "output"},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "x", Type: graph.EdgeSuccess},
				{ID: "e2", Source: "x", Target: "o", Type: graph.EdgeSuccess},
			},
		},
	}

	st := newFakeStore()
	sched := New(testDeps(t, reg, st))

	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", exec.Status, exec.Error)
	}
	if exec.Output["final"] != true {
		t.Fatalf("expected final output from the output-category node, got %v", exec.Output)
	}
}

func TestScheduler_BranchPruning(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "condition", category: handler.CategoryBranching, handles: []string{"true", "false"},
		execute: func(ctx *handler.NodeContext) handler.Result {
			return handler.SuccessWithBranches(nil, []string{"true"})
		}})
	reg.MustRegister(&stubHandler{typ: "output", category: handler.CategoryOutput,
		execute: func(ctx *handler.NodeContext) handler.Result {
			return handler.Success(map[string]interface{}{"branch": ctx.NodeID})
		}})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t":       {ID: "t", Type: "trigger"},
				"c":       {ID: "c", Type: "condition"},
				"onTrue":  {ID: "onTrue", Type: "output"},
				"onFalse": {ID: "onFalse", Type: "output"},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "c", Type: graph.EdgeSuccess},
				{ID: "e2", Source: "c", SourceHandle: "true", Target: "onTrue", Type: graph.EdgeSuccess},
				{ID: "e3", Source: "c", SourceHandle: "false", Target: "onFalse", Type: graph.EdgeSuccess},
			},
		},
	}

	st := newFakeStore()
	sched := New(testDeps(t, reg, st))

	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", exec.Status, exec.Error)
	}
	if exec.Output["branch"] != "onTrue" {
		t.Fatalf("expected merged output from the taken branch only, got %v", exec.Output)
	}

	status, ok := st.runStatus(execID, "onFalse")
	if !ok || status != store.NodeRunSkipped {
		t.Fatalf("expected onFalse to be recorded skipped, got %v (found=%v)", status, ok)
	}
}

func TestScheduler_RetryThenSucceed(t *testing.T) {
	var attempts int32

	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "flaky", category: handler.CategoryOutput,
		execute: func(ctx *handler.NodeContext) handler.Result {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return handler.Failure(handler.ErrRemoteError, "transient failure")
			}
			return handler.Success(map[string]interface{}{"ok": true})
		}})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t": {ID: "t", Type: "trigger"},
				"x": {ID: "x", Type: "flaky", RetryPolicy: &graph.RetryPolicy{
					MaxAttempts: 3, InitialBackoffMs: 10, BackoffMultiplier: 1, MaxBackoffMs: 50,
					RetryOn: []string{"remoteError"},
				}},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "x", Type: graph.EdgeSuccess},
			},
		},
	}

	st := newFakeStore()
	sched := New(testDeps(t, reg, st))

	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected completed after retry, got %s (error=%v)", exec.Status, exec.Error)
	}
	if exec.Output["ok"] != true {
		t.Fatalf("expected successful retry output, got %v", exec.Output)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestScheduler_Cancellation(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "slow", category: handler.CategoryAction,
		execute: func(ctx *handler.NodeContext) handler.Result {
			<-ctx.Context.Done()
			return handler.Failure(handler.ErrCancelled, "cancelled mid-flight")
		}})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t": {ID: "t", Type: "trigger"},
				"x": {ID: "x", Type: "slow"},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "x", Type: graph.EdgeSuccess},
			},
		},
	}

	st := newFakeStore()
	deps := testDeps(t, reg, st)
	deps.CancelGracePeriod = 50 * time.Millisecond
	sched := New(deps)

	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if !sched.Cancel(execID) {
		t.Fatal("expected Cancel to find the active run")
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", exec.Status)
	}
}

func TestScheduler_LoopSequential(t *testing.T) {
	var bodyRuns int32

	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "loop", category: handler.CategoryLoop})
	reg.MustRegister(&stubHandler{typ: "double", category: handler.CategoryTransform,
		execute: func(ctx *handler.NodeContext) handler.Result {
			atomic.AddInt32(&bodyRuns, 1)
			item, _ := ctx.Loop.Item.(float64)
			return handler.Success(map[string]interface{}{"doubled": item * 2})
		}})
	reg.MustRegister(&stubHandler{typ: "loopEnd", category: handler.CategoryLoopEnd,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "output", category: handler.CategoryOutput,
		execute: func(ctx *handler.NodeContext) handler.Result {
			gathered, _ := ctx.ExprCtx.NodeOutputs["le"]["results"].([]interface{})
			return handler.Success(map[string]interface{}{"count": len(gathered)})
		}})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t": {ID: "t", Type: "trigger"},
				"lp": {ID: "lp", Type: "loop", Loop: &graph.LoopSpec{
					ItemsExpr: "{{ $input.items }}", LoopEndNodeID: "le",
				}},
				"b":  {ID: "b", Type: "double"},
				"le": {ID: "le", Type: "loopEnd"},
				"o":  {ID: "o", Type: "output"},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "lp", Type: graph.EdgeSuccess},
				{ID: "e2", Source: "lp", Target: "b", Type: graph.EdgeSuccess},
				{ID: "e3", Source: "b", Target: "le", Type: graph.EdgeSuccess},
				{ID: "e4", Source: "le", Target: "lp", Type: graph.EdgeSuccess},
				{ID: "e5", Source: "le", Target: "o", Type: graph.EdgeSuccess},
			},
		},
	}

	st := newFakeStore()
	sched := New(testDeps(t, reg, st))

	input := map[string]interface{}{"items": []interface{}{1.0, 2.0, 3.0}}
	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, input, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (error=%v)", exec.Status, exec.Error)
	}
	if exec.Output["count"] != 3 {
		t.Fatalf("expected 3 gathered iteration results, got %v", exec.Output)
	}
	if atomic.LoadInt32(&bodyRuns) != 3 {
		t.Fatalf("expected the body node to run exactly once per item (3), got %d", bodyRuns)
	}

	status, ok := st.runStatus(execID, "b#0")
	if !ok || status != store.NodeRunCompleted {
		t.Fatalf("expected a per-iteration NodeRun for b#0, got %v (found=%v)", status, ok)
	}
}

func TestScheduler_ErrorEdgeRouting(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "flaky", category: handler.CategoryAction,
		execute: func(ctx *handler.NodeContext) handler.Result {
			return handler.Failure(handler.ErrRemoteError, "boom")
		}})
	reg.MustRegister(&stubHandler{typ: "output", category: handler.CategoryOutput,
		execute: func(ctx *handler.NodeContext) handler.Result {
			return handler.Success(map[string]interface{}{"handled": true})
		}})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t":  {ID: "t", Type: "trigger"},
				"x":  {ID: "x", Type: "flaky"},
				"eh": {ID: "eh", Type: "output"},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "x", Type: graph.EdgeSuccess},
				{ID: "e2", Source: "t", Target: "eh", Type: graph.EdgeSuccess},
				{ID: "e3", Source: "x", Target: "eh", Type: graph.EdgeError},
			},
		},
	}

	st := newFakeStore()
	sched := New(testDeps(t, reg, st))

	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected completed via the error edge, got %s (error=%v)", exec.Status, exec.Error)
	}
	if exec.Output["handled"] != true {
		t.Fatalf("expected the error edge's target to run and contribute output, got %v", exec.Output)
	}

	status, ok := st.runStatus(execID, "x")
	if !ok || status != store.NodeRunFailed {
		t.Fatalf("expected x's NodeRun recorded failed, got %v (found=%v)", status, ok)
	}
}

func TestScheduler_LoopContinueOnError(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "loop", category: handler.CategoryLoop})
	reg.MustRegister(&stubHandler{typ: "maybeFail", category: handler.CategoryTransform,
		execute: func(ctx *handler.NodeContext) handler.Result {
			item, _ := ctx.Loop.Item.(float64)
			if item == 2 {
				return handler.Failure(handler.ErrRemoteError, "iteration blew up")
			}
			return handler.Success(map[string]interface{}{"doubled": item * 2})
		}})
	reg.MustRegister(&stubHandler{typ: "loopEnd", category: handler.CategoryLoopEnd,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})
	reg.MustRegister(&stubHandler{typ: "output", category: handler.CategoryOutput,
		execute: func(ctx *handler.NodeContext) handler.Result {
			gathered, _ := ctx.ExprCtx.NodeOutputs["le"]["results"].([]interface{})
			return handler.Success(map[string]interface{}{"count": len(gathered)})
		}})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t": {ID: "t", Type: "trigger"},
				"lp": {ID: "lp", Type: "loop", Loop: &graph.LoopSpec{
					ItemsExpr: "{{ $input.items }}", LoopEndNodeID: "le", ContinueOnError: true,
				}},
				"b":  {ID: "b", Type: "maybeFail"},
				"le": {ID: "le", Type: "loopEnd"},
				"o":  {ID: "o", Type: "output"},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "lp", Type: graph.EdgeSuccess},
				{ID: "e2", Source: "lp", Target: "b", Type: graph.EdgeSuccess},
				{ID: "e3", Source: "b", Target: "le", Type: graph.EdgeSuccess},
				{ID: "e4", Source: "le", Target: "lp", Type: graph.EdgeSuccess},
				{ID: "e5", Source: "le", Target: "o", Type: graph.EdgeSuccess},
			},
		},
	}

	st := newFakeStore()
	sched := New(testDeps(t, reg, st))

	input := map[string]interface{}{"items": []interface{}{1.0, 2.0, 3.0}}
	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, input, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected completed despite one failing iteration, got %s (error=%v)", exec.Status, exec.Error)
	}
	if exec.Output["count"] != 3 {
		t.Fatalf("expected all 3 iteration slots gathered (including the failed one), got %v", exec.Output)
	}
}

func TestScheduler_ResumeAfterWaiting(t *testing.T) {
	reg := handler.NewRegistry()
	reg.MustRegister(&stubHandler{typ: "trigger", category: handler.CategoryTrigger,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(nil) }})

	approval := &stubHandler{typ: "approval", category: handler.CategoryAction}
	approval.execute = func(ctx *handler.NodeContext) handler.Result {
		return handler.Waiting("tok-123", handler.WaitApproval)
	}
	approval.resume = func(payload map[string]interface{}) handler.Result {
		approved, _ := payload["approved"].(bool)
		if !approved {
			return handler.Failure(handler.ErrInvalidInput, "rejected")
		}
		return handler.Success(map[string]interface{}{"approved": true})
	}
	reg.MustRegister(approval)
	reg.MustRegister(&stubHandler{typ: "output", category: handler.CategoryOutput,
		execute: func(ctx *handler.NodeContext) handler.Result { return handler.Success(map[string]interface{}{"done": true}) }})

	fv := &graph.FlowVersion{
		ID: "fv1",
		Definition: &graph.Graph{
			Nodes: map[string]*graph.Node{
				"t": {ID: "t", Type: "trigger"},
				"a": {ID: "a", Type: "approval"},
				"o": {ID: "o", Type: "output"},
			},
			Edges: []*graph.Edge{
				{ID: "e1", Source: "t", Target: "a", Type: graph.EdgeSuccess},
				{ID: "e2", Source: "a", Target: "o", Type: graph.EdgeSuccess},
			},
		},
	}

	st := newFakeStore()
	sched := New(testDeps(t, reg, st))

	execID, err := sched.Start(context.Background(), fv, "user1", store.TriggerManual, nil, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if status, ok := st.runStatus(execID, "a"); ok && status == store.NodeRunWaiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node a never reported waiting")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !sched.Resume(execID, "tok-123", map[string]interface{}{"approved": true}) {
		t.Fatal("expected Resume to find the parked wait")
	}

	exec := waitForTerminal(t, st, execID, 2*time.Second)
	if exec.Status != store.ExecutionCompleted {
		t.Fatalf("expected completed after resume, got %s (error=%v)", exec.Status, exec.Error)
	}
	if exec.Output["done"] != true {
		t.Fatalf("expected output node's result after resume, got %v", exec.Output)
	}
}
