package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcore/engine/internal/expr"
	"github.com/flowcore/engine/internal/graph"
	"github.com/flowcore/engine/internal/handler"
	"github.com/flowcore/engine/internal/retry"
	"github.com/flowcore/engine/internal/store"
)

// waitRegistry routes an external Resume call to the region instance that
// is actually parked on the matching resumeToken. A loop's parallel
// iterations each run their own region instance concurrently, so the
// registry — not a single region's local state — is the one thing shared
// execution-wide for this purpose.
type waitRegistry struct {
	mu      sync.Mutex
	entries map[string]*pendingWait
}

type pendingWait struct {
	resultCh  chan dispatchResult
	nodeID    string
	attempt   int
	startedAt time.Time
	h         handler.NodeHandler
}

func newWaitRegistry() *waitRegistry {
	return &waitRegistry{entries: make(map[string]*pendingWait)}
}

func (w *waitRegistry) register(token string, pw *pendingWait) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[token] = pw
}

func (w *waitRegistry) resolve(token string, payload map[string]interface{}) bool {
	w.mu.Lock()
	pw, ok := w.entries[token]
	if ok {
		delete(w.entries, token)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}

	var result handler.Result
	switch resumer := pw.h.(type) {
	case interface {
		Resume(map[string]interface{}) handler.Result
	}:
		result = resumer.Resume(payload)
	case interface {
		Resume(string) handler.Result
	}:
		subID, _ := payload["subExecutionId"].(string)
		result = resumer.Resume(subID)
	default:
		return false
	}

	pw.resultCh <- dispatchResult{
		nodeID:     pw.nodeID,
		attempt:    pw.attempt,
		result:     result,
		startedAt:  pw.startedAt,
		finishedAt: time.Now(),
		resumed:    true,
	}
	return true
}

// dispatchResult is what a node invocation (or an async resume) reports
// back to its owning region's execution loop.
type dispatchResult struct {
	nodeID     string
	attempt    int
	result     handler.Result
	startedAt  time.Time
	finishedAt time.Time

	// resumed is true when this result was produced by waitRegistry.resolve
	// rather than a fresh dispatch: the invocation that produced it never
	// went through dispatch's running++, and it closes out a waitingCount
	// slot opened when the original Waiting result arrived.
	resumed bool
}

// regionRunner drives one DAG region to completion: the whole graph for a
// top-level Execution, or one loop iteration's body subgraph when nested.
// Every field is read-only after construction except the state owned by
// run() itself, matching §4.6's "exactly one execution loop owns the state"
// per region instance.
type regionRunner struct {
	sched     *Scheduler
	exec      *store.Execution
	fv        *graph.FlowVersion
	g         *graph.Graph
	loopScope *expr.LoopScope
	waits     *waitRegistry
	sem       chan struct{} // per-execution concurrency limiter
}

// regionResult is what run() returns.
type regionResult struct {
	outputs     map[string]map[string]interface{}
	terminal    []string // node ids with no outbound success edge inside the region
	failedNode  string
	failResult  *handler.Result
}

// run drives nodeIDs to completion, given outputsSeed (outputs already
// known from outside the region — upstream nodes, or nil at the top
// level) and skip (the statically unreachable set; nil for nested regions,
// since the validator only computes it once for the whole graph).
func (r *regionRunner) run(ctx context.Context, nodeIDs map[string]bool, outputsSeed map[string]map[string]interface{}, skip map[string]bool) (*regionResult, error) {
	// A loop's body is never a member of the region that contains the loop
	// node: it is driven exclusively by runLoop's own nested regionRunner,
	// once per iteration. Without this, the body would also sit directly in
	// this region's pendingKeys graph and get dispatched a second time, for
	// real, the instant the loop node's own outbound edges resolve —
	// independent of and in addition to its per-iteration executions.
	nodeIDs = effectiveNodeIDs(r.g, nodeIDs)

	pendingKeys := make(map[string]map[string]bool, len(nodeIDs))
	satisfiedCount := make(map[string]int, len(nodeIDs))
	edgesBySource := make(map[string][]*graph.Edge)

	for _, e := range r.g.Edges {
		if !nodeIDs[e.Source] || !nodeIDs[e.Target] {
			continue
		}
		if target := r.g.Nodes[e.Target]; target.Loop != nil && target.Loop.LoopEndNodeID == e.Source {
			// loopEnd -> loop back-edge: drawn for the author, never gates
			// the loop node (see bodyNodeIDs).
			continue
		}
		if pendingKeys[e.Target] == nil {
			pendingKeys[e.Target] = make(map[string]bool)
		}
		pendingKeys[e.Target][e.ID] = true
		edgesBySource[e.Source] = append(edgesBySource[e.Source], e)
	}

	outputs := make(map[string]map[string]interface{}, len(outputsSeed)+len(nodeIDs))
	for k, v := range outputsSeed {
		outputs[k] = v
	}

	// A loopEnd whose owning loop node is also in this region never reaches
	// its ready state through ordinary edges — its real inbound edges
	// originate inside the loop body, which this region excludes entirely
	// (the body is driven by a nested regionRunner, see runLoop). It gates
	// on a synthetic key instead, resolved when the loop node's own
	// dispatch (runLoop) completes.
	const loopGateKey = "__loopgate__"
	loopEndGated := make(map[string]bool)
	for id := range nodeIDs {
		node := r.g.Nodes[id]
		if node.Loop == nil || !nodeIDs[node.Loop.LoopEndNodeID] {
			continue
		}
		loopEndGated[node.Loop.LoopEndNodeID] = true
		if pendingKeys[node.Loop.LoopEndNodeID] == nil {
			pendingKeys[node.Loop.LoopEndNodeID] = make(map[string]bool)
		}
		pendingKeys[node.Loop.LoopEndNodeID][loopGateKey] = true
	}

	skippedHere := make(map[string]bool)
	attempts := make(map[string]int)
	resultCh := make(chan dispatchResult, 16)
	running := 0
	waitingCount := 0

	// workCtx outlives ctx's cancellation by CancelGracePeriod: once ctx is
	// cancelled, in-flight handlers see the cancellation through their own
	// context (invoke runs under ctx), and the loop keeps collecting their
	// results on workCtx so they can unwind on their own (persisting a real
	// NodeRun outcome) until the grace period elapses. Dispatch of new work
	// always checks ctx, not workCtx, so nothing new starts once
	// cancellation begins.
	workCtx, cancelWork := context.WithCancel(context.Background())
	stopGrace := make(chan struct{})
	defer close(stopGrace)
	defer cancelWork()
	go func() {
		select {
		case <-ctx.Done():
		case <-stopGrace:
			return
		}
		timer := time.NewTimer(r.sched.deps.CancelGracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelWork()
		case <-stopGrace:
		}
	}()

	var ready []string
	for id := range nodeIDs {
		if skip != nil && skip[id] {
			skippedHere[id] = true
			continue
		}
		if len(pendingKeys[id]) == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var failedNode string
	var failResult *handler.Result

	// resolveEdge marks e as satisfied or pruned and, if its target's
	// pendingKeys drains to empty, finalizes that target (ready or skipped).
	var resolveEdge func(e *graph.Edge, satisfied bool)
	var finalizeIfDrained func(nodeID string)
	var markSkipped func(nodeID string)

	resolveEdge = func(e *graph.Edge, satisfied bool) {
		keys := pendingKeys[e.Target]
		if keys == nil || !keys[e.ID] {
			return
		}
		delete(keys, e.ID)
		if satisfied {
			satisfiedCount[e.Target]++
		}
		finalizeIfDrained(e.Target)
	}

	finalizeIfDrained = func(nodeID string) {
		if len(pendingKeys[nodeID]) != 0 {
			return
		}
		if skippedHere[nodeID] {
			return
		}
		if satisfiedCount[nodeID] > 0 {
			ready = append(ready, nodeID)
		} else {
			markSkipped(nodeID)
		}
	}

	markSkipped = func(nodeID string) {
		if skippedHere[nodeID] {
			return
		}
		skippedHere[nodeID] = true
		r.recordSkipped(ctx, nodeID)
		for _, e := range edgesBySource[nodeID] {
			resolveEdge(e, false)
		}
	}

	dispatch := func(nodeID string, attempt int, retryOf *int) {
		running++
		select {
		case r.sched.globalSem <- struct{}{}:
		case <-ctx.Done():
			running--
			return
		}
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			<-r.sched.globalSem
			running--
			return
		}

		node := r.g.Nodes[nodeID]
		startedAt := time.Now()
		attempts[nodeID] = attempt

		go func() {
			defer func() { <-r.sem; <-r.sched.globalSem }()
			res, waiting := r.invoke(ctx, node, attempt, outputs)
			if waiting != nil {
				r.waits.register(res.ResumeToken, &pendingWait{
					resultCh: resultCh, nodeID: nodeID, attempt: attempt, startedAt: startedAt, h: waiting,
				})
				select {
				case resultCh <- dispatchResult{nodeID: nodeID, attempt: attempt, result: res, startedAt: startedAt, finishedAt: time.Now()}:
				case <-workCtx.Done():
				}
				return
			}
			select {
			case resultCh <- dispatchResult{nodeID: nodeID, attempt: attempt, result: res, startedAt: startedAt, finishedAt: time.Now()}:
			case <-workCtx.Done():
			}
		}()
	}

	retryCh := make(chan string, 16)
	forceBreak := false

	for len(ready) > 0 || running > 0 || waitingCount > 0 {
		if ctx.Err() == nil && len(ready) > 0 {
			nodeID := ready[0]
			ready = ready[1:]
			dispatch(nodeID, 1, nil)
			continue
		}
		// Cancelled: stop handing out new work. Nodes still in ready never
		// got a chance to start and are dropped rather than dispatched;
		// already-running ones keep unwinding on workCtx until they report
		// in or the grace period (below) elapses.
		if ctx.Err() != nil && len(ready) > 0 {
			ready = ready[1:]
			continue
		}

		select {
		case nodeID := <-retryCh:
			if ctx.Err() != nil {
				continue
			}
			dispatch(nodeID, attempts[nodeID]+1, intp(attempts[nodeID]))
		case <-workCtx.Done():
			// Either no cancellation happened and this never fires, or ctx
			// was cancelled and the grace period has now elapsed: stop
			// waiting on whatever is still in flight.
			forceBreak = true
		case dr := <-resultCh:
			if !dr.resumed {
				// A resumed result didn't come from dispatch, so it never
				// incremented running in the first place.
				running--
			}
			node := r.g.Nodes[dr.nodeID]

			if dr.result.Kind == handler.ResultWaiting {
				waitingCount++
				r.recordNodeRun(ctx, dr, node, store.NodeRunWaiting)
				continue
			}
			if dr.resumed {
				// closes out the waitingCount opened when the original
				// Waiting result arrived for this node
				waitingCount--
			}

			if dr.result.Kind == handler.ResultFailure {
				decision, backoff := retry.Evaluate(node.RetryPolicy, dr.result.ErrorKind, dr.attempt)
				r.recordNodeRun(ctx, dr, node, store.NodeRunFailed)

				if decision == retry.DecisionRetry {
					time.AfterFunc(backoff, func() {
						select {
						case retryCh <- dr.nodeID:
						case <-ctx.Done():
						}
					})
					continue
				}

				armed := false
				for _, e := range edgesBySource[dr.nodeID] {
					if e.Type == graph.EdgeError {
						resolveEdge(e, true)
						armed = true
					} else if e.Type == graph.EdgeAlways {
						resolveEdge(e, true)
					} else {
						resolveEdge(e, false)
					}
				}
				outputs[dr.nodeID] = map[string]interface{}{
					"error":     dr.result.Message,
					"errorKind": string(dr.result.ErrorKind),
				}
				if !armed {
					failedNode = dr.nodeID
					res := dr.result
					failResult = &res
					break
				}
				continue
			}

			// success
			r.recordNodeRun(ctx, dr, node, store.NodeRunCompleted)
			outputs[dr.nodeID] = dr.result.Output

			if node.Loop != nil && loopEndGated[node.Loop.LoopEndNodeID] {
				// loopEnd never goes through a real dispatch: runLoop already
				// gathered its output and persisted its NodeRun
				// (recordSyntheticCompletion). Resolving its gate here just
				// fires its own outbound edges directly — pushing it onto
				// ready would re-invoke its registered handler and overwrite
				// the gathered output with that handler's (empty) Result.
				loopEndID := node.Loop.LoopEndNodeID
				if loopEndOutput, ok := dr.result.Metadata["loopEndOutput"].(map[string]interface{}); ok {
					outputs[loopEndID] = loopEndOutput
				}
				delete(pendingKeys[loopEndID], loopGateKey)
				satisfiedCount[loopEndID]++
				if len(pendingKeys[loopEndID]) == 0 && !skippedHere[loopEndID] {
					for _, e := range edgesBySource[loopEndID] {
						switch e.Type {
						case graph.EdgeSuccess, graph.EdgeAlways:
							resolveEdge(e, true)
						case graph.EdgeError:
							resolveEdge(e, false)
						}
					}
				}
			}

			selected := dr.result.BranchesToFollow
			for _, e := range edgesBySource[dr.nodeID] {
				switch e.Type {
				case graph.EdgeSuccess:
					if selected == nil || contains(selected, e.Handle()) {
						resolveEdge(e, true)
					} else {
						resolveEdge(e, false)
					}
				case graph.EdgeAlways:
					resolveEdge(e, true)
				case graph.EdgeError:
					resolveEdge(e, false)
				}
			}
		}
		if failedNode != "" || forceBreak {
			break
		}
	}

	var terminal []string
	for id := range nodeIDs {
		if skippedHere[id] {
			continue
		}
		hasOutbound := false
		for _, e := range edgesBySource[id] {
			if e.Type == graph.EdgeSuccess {
				hasOutbound = true
				break
			}
		}
		if !hasOutbound {
			terminal = append(terminal, id)
		}
	}
	sort.Strings(terminal)

	return &regionResult{outputs: outputs, terminal: terminal, failedNode: failedNode, failResult: failResult}, ctx.Err()
}

func intp(v int) *int { return &v }

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// invoke runs one node attempt: pinned-data override, credential resolution,
// config interpolation, then the handler's Execute. For `loop` nodes it
// instead drives the full iteration sequence inline and returns a single
// synthetic Success/Failure for the loop+loopEnd pair (see runLoop).
func (r *regionRunner) invoke(ctx context.Context, node *graph.Node, attempt int, outputs map[string]map[string]interface{}) (handler.Result, handler.NodeHandler) {
	if pinned, err := r.sched.deps.Store.LoadPinnedData(ctx, r.fv.ID, node.ID); err == nil {
		return handler.Success(pinned.Output), nil
	}

	h, ok := r.sched.deps.Handlers.Get(node.Type)
	if !ok {
		return handler.Failure(handler.ErrInvalidConfig, fmt.Sprintf("node type %q not registered", node.Type)), nil
	}

	if h.Category() == handler.CategoryLoop {
		return r.runLoop(ctx, node, outputs), nil
	}

	exprCtx := &expr.ExecutionContext{
		Input:       r.exec.Input,
		NodeOutputs: outputs,
		Env:         whitelistedEnv(),
		ExecutionID: r.exec.ID,
		StartedAt:   r.exec.StartedAt,
		Vars:        map[string]interface{}{},
		Loop:        r.loopScope,
	}

	resolvedConfig, err := r.sched.deps.Evaluator.Interpolate(map[string]interface{}(node.Config), exprCtx)
	if err != nil {
		return handler.Failure(handler.ErrInvalidInput, fmt.Sprintf("interpolate config: %v", err)), nil
	}
	configMap, _ := resolvedConfig.(map[string]interface{})

	var creds map[string][]byte
	if ref, ok := configMap["credentialRef"].(string); ok && ref != "" {
		creds, err = r.sched.deps.Credentials.Resolve(ctx, ref, r.exec.UserID)
		if err != nil {
			return handler.Failure(handler.ErrCredentialMissing, err.Error()), nil
		}
	}

	timeout := r.sched.deps.DefaultNodeTimeout
	if node.TimeoutMs > 0 {
		timeout = time.Duration(node.TimeoutMs) * time.Millisecond
	}
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var loopIter *handler.LoopIterationContext
	if r.loopScope != nil {
		loopIter = &handler.LoopIterationContext{Index: r.loopScope.Index, Item: r.loopScope.Item}
	}

	result := h.Execute(&handler.NodeContext{
		Context:     nodeCtx,
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		Config:      configMap,
		Credentials: creds,
		ExprCtx:     exprCtx,
		Loop:        loopIter,
	})
	for _, secret := range creds {
		for i := range secret {
			secret[i] = 0
		}
	}

	if nodeCtx.Err() == context.DeadlineExceeded && result.Kind != handler.ResultFailure {
		return handler.Failure(handler.ErrTimeout, "node exceeded its deadline"), nil
	}

	if result.Kind == handler.ResultWaiting {
		return result, h
	}
	return result, nil
}

func whitelistedEnv() map[string]string {
	return map[string]string{}
}

func (r *regionRunner) recordNodeRun(ctx context.Context, dr dispatchResult, node *graph.Node, status store.NodeRunStatus) {
	durationMs := dr.finishedAt.Sub(dr.startedAt).Milliseconds()
	run := &store.NodeRun{
		ExecutionID:   r.exec.ID,
		NodeID:        nodeRunID(node.ID, r.loopScope),
		Attempt:       dr.attempt,
		Status:        status,
		Output:        dr.result.Output,
		BranchesTaken: dr.result.BranchesToFollow,
		StartedAt:     dr.startedAt,
		FinishedAt:    &dr.finishedAt,
		DurationMs:    &durationMs,
	}
	if status == store.NodeRunFailed {
		kind := string(dr.result.ErrorKind)
		run.ErrorKind = &kind
		msg := dr.result.Message
		run.ErrorMessage = &msg
	}
	if dr.attempt > 1 {
		prev := dr.attempt - 1
		run.RetryOf = &prev
	}
	if err := r.sched.deps.Store.RecordNodeRun(context.WithoutCancel(ctx), run); err != nil {
		r.sched.deps.Logger.Error("record node run failed", "executionId", r.exec.ID, "nodeId", node.ID, "error", err)
	}
	if r.sched.deps.Events != nil {
		r.sched.deps.Events.PublishNodeEvent(r.exec.ID, node.ID, string(status), dr.finishedAt)
	}
}

func (r *regionRunner) recordSkipped(ctx context.Context, nodeID string) {
	now := time.Now()
	run := &store.NodeRun{
		ExecutionID: r.exec.ID,
		NodeID:      nodeRunID(nodeID, r.loopScope),
		Attempt:     1,
		Status:      store.NodeRunSkipped,
		StartedAt:   now,
		FinishedAt:  &now,
	}
	if err := r.sched.deps.Store.RecordNodeRun(ctx, run); err != nil {
		r.sched.deps.Logger.Error("record skipped node run failed", "executionId", r.exec.ID, "nodeId", nodeID, "error", err)
	}
	if r.sched.deps.Events != nil {
		r.sched.deps.Events.PublishNodeEvent(r.exec.ID, nodeID, string(store.NodeRunSkipped), now)
	}
}

// nodeRunID disambiguates NodeRun rows for the same graph node executed
// across different loop iterations, since the store's idempotence key is
// (executionId, nodeId, attempt).
func nodeRunID(nodeID string, loop *expr.LoopScope) string {
	if loop == nil {
		return nodeID
	}
	return fmt.Sprintf("%s#%d", nodeID, loop.Index)
}

// bodyNodeIDs computes the loop body's node set: every node reachable from
// loopNode's own success edges, forward only, stopping at (and excluding)
// loopEndID. A back-edge from deep inside the body into loopNode itself —
// the one shape graph.validate.go sanctions for `loop` nodes — is ignored
// here; it exists so authors can draw the iteration visually as a cycle, not
// because the engine replays it as one.
func bodyNodeIDs(g *graph.Graph, loopNode *graph.Node, loopEndID string) map[string]bool {
	body := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		if id == loopEndID || id == loopNode.ID || body[id] {
			return
		}
		body[id] = true
		for _, e := range g.OutboundEdges(id) {
			if e.Type == graph.EdgeSuccess {
				visit(e.Target)
			}
		}
	}
	for _, e := range g.OutboundEdges(loopNode.ID) {
		if e.Type == graph.EdgeSuccess && e.Target != loopEndID {
			visit(e.Target)
		}
	}
	return body
}

// effectiveNodeIDs returns the subset of nodeIDs a regionRunner should
// actually treat as members of its own pendingKeys graph: for every loop node
// whose matching loopEnd is also in nodeIDs, that loop's body (computed by
// bodyNodeIDs) is removed. Those nodes belong to the nested regionRunner
// runLoop spins up per iteration, never to the enclosing region — applied
// here so the exclusion holds recursively for loops nested inside a loop
// body too (each nested run() call re-derives its own effective set).
func effectiveNodeIDs(g *graph.Graph, nodeIDs map[string]bool) map[string]bool {
	effective := make(map[string]bool, len(nodeIDs))
	for id := range nodeIDs {
		effective[id] = true
	}
	for id := range nodeIDs {
		node := g.Nodes[id]
		if node == nil || node.Loop == nil || !nodeIDs[node.Loop.LoopEndNodeID] {
			continue
		}
		for bodyID := range bodyNodeIDs(g, node, node.Loop.LoopEndNodeID) {
			delete(effective, bodyID)
		}
	}
	return effective
}

// mergeOutputs unions the outputs of nodeIDs in lexicographic node-id
// order, later ids overwriting earlier ones on key collision. The order is
// by id only; a node's position in the graph is not considered.
func mergeOutputs(outputs map[string]map[string]interface{}, nodeIDs []string) map[string]interface{} {
	sorted := append([]string(nil), nodeIDs...)
	sort.Strings(sorted)
	merged := make(map[string]interface{})
	for _, id := range sorted {
		for k, v := range outputs[id] {
			merged[k] = v
		}
	}
	return merged
}

// runLoop drives one `loop` node's full iteration sequence and synthesizes
// both the loop node's and its loopEnd's NodeRuns, per §4.6 "Loop semantics".
// Iterations run sequentially unless Parallel is set with a Bound, in which
// case up to Bound iterations are in flight at once; a failure inside an
// iteration fails the whole loop unless ContinueOnError is set, in which
// case the failure is recorded into that iteration's slot and the loop
// continues.
func (r *regionRunner) runLoop(ctx context.Context, loopNode *graph.Node, outerOutputs map[string]map[string]interface{}) handler.Result {
	spec := loopNode.Loop
	if spec == nil {
		return handler.Failure(handler.ErrInvalidConfig, "loop node missing loop spec")
	}

	exprCtx := &expr.ExecutionContext{
		Input:       r.exec.Input,
		NodeOutputs: outerOutputs,
		Env:         whitelistedEnv(),
		ExecutionID: r.exec.ID,
		StartedAt:   r.exec.StartedAt,
		Vars:        map[string]interface{}{},
		Loop:        r.loopScope,
	}
	rawItems, err := r.sched.deps.Evaluator.Interpolate(spec.ItemsExpr, exprCtx)
	if err != nil {
		return handler.Failure(handler.ErrInvalidInput, fmt.Sprintf("resolve loop items: %v", err))
	}
	items, _ := rawItems.([]interface{})

	body := bodyNodeIDs(r.g, loopNode, spec.LoopEndNodeID)

	iterationOutputs := make([]interface{}, len(items))
	bound := spec.Bound
	if !spec.Parallel || bound <= 0 {
		bound = 1
	}

	// Sequential by default, up to Bound concurrent iterations when
	// Parallel is set (§4.6): errgroup's SetLimit gives us exactly that
	// bounded fan-out, and its shared derived context cancels every other
	// in-flight iteration the instant one fails (unless ContinueOnError).
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bound)
	var mu sync.Mutex
	var firstErr *handler.Result

	for idx, item := range items {
		idx, item := idx, item
		g.Go(func() error {
			iterRunner := &regionRunner{
				sched:     r.sched,
				exec:      r.exec,
				fv:        r.fv,
				g:         r.g,
				loopScope: &expr.LoopScope{Index: idx, Item: item},
				waits:     r.waits,
				sem:       r.sem,
			}
			res, runErr := iterRunner.run(gctx, body, outerOutputs, nil)

			if runErr != nil || res.failedNode != "" {
				if spec.ContinueOnError {
					msg := ""
					if res.failResult != nil {
						msg = res.failResult.Message
					} else if runErr != nil {
						msg = runErr.Error()
					}
					mu.Lock()
					iterationOutputs[idx] = map[string]interface{}{"error": msg, "index": idx}
					mu.Unlock()
					return nil
				}
				var fr handler.Result
				if res.failResult != nil {
					fr = *res.failResult
				} else {
					fr = handler.Failure(handler.ErrCancelled, "loop iteration cancelled")
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = &fr
				}
				mu.Unlock()
				return fmt.Errorf("iteration %d failed", idx)
			}

			mu.Lock()
			iterationOutputs[idx] = mergeOutputs(res.outputs, res.terminal)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if firstErr != nil {
		return *firstErr
	}

	for i := range iterationOutputs {
		if iterationOutputs[i] == nil {
			iterationOutputs[i] = map[string]interface{}{}
		}
	}

	loopEndOutput := map[string]interface{}{"results": iterationOutputs}

	// Persist the loopEnd's own completion: it has no remaining inbound
	// edges inside this region (they all point into the body, which this
	// function already fully drove). Its downstream success edges are
	// resolved by run()'s loop-gate handling, keyed off Metadata below.
	r.recordSyntheticCompletion(ctx, spec.LoopEndNodeID, loopEndOutput)

	return handler.Result{
		Kind:   handler.ResultSuccess,
		Output: map[string]interface{}{"items": items, "total": len(items)},
		Metadata: map[string]interface{}{
			"loopEndOutput": loopEndOutput,
		},
	}
}

// recordSyntheticCompletion persists a NodeRun for a node the engine
// resolved without invoking its handler (loopEnd's gather, or a future
// absorber-style node), mirroring the pinned-data override's "synthetic
// NodeRun" treatment in §4.6.
func (r *regionRunner) recordSyntheticCompletion(ctx context.Context, nodeID string, output map[string]interface{}) {
	now := time.Now()
	run := &store.NodeRun{
		ExecutionID: r.exec.ID,
		NodeID:      nodeRunID(nodeID, r.loopScope),
		Attempt:     1,
		Status:      store.NodeRunCompleted,
		Output:      output,
		StartedAt:   now,
		FinishedAt:  &now,
	}
	if err := r.sched.deps.Store.RecordNodeRun(ctx, run); err != nil {
		r.sched.deps.Logger.Error("record synthetic node run failed", "executionId", r.exec.ID, "nodeId", nodeID, "error", err)
	}
	if r.sched.deps.Events != nil {
		r.sched.deps.Events.PublishNodeEvent(r.exec.ID, nodeID, string(store.NodeRunCompleted), now)
	}
}
