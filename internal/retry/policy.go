// Package retry implements the retry/backoff and error-routing policy (C8).
// The routing-table shape (attempt an in-node retry before falling back to
// an error edge) is grounded on cmd/workflow-runner/operators/control_flow.go's
// ControlFlowRouter, which arms an error path only after its owning
// operator's own attempts are exhausted; the exponential backoff
// computation itself has no library in the example pack (no backoff
// package is imported anywhere in _examples/), so it is implemented here
// directly on top of time.Duration arithmetic — justified in DESIGN.md.
package retry

import (
	"math"
	"time"

	"github.com/flowcore/engine/internal/graph"
	"github.com/flowcore/engine/internal/handler"
)

// Decision is what the scheduler should do after a node invocation fails.
type Decision int

const (
	// DecisionRetry means re-invoke the node after Backoff.
	DecisionRetry Decision = iota
	// DecisionRouteError means follow the node's error edges (or, absent
	// any, fail the execution).
	DecisionRouteError
)

// Evaluate decides whether a failed node invocation should be retried or
// routed to its error edges, and if retried, how long to wait first.
//
// attempt is 1-indexed: the first invocation is attempt 1, so a retry is
// only offered while attempt < policy.MaxAttempts.
func Evaluate(policy *graph.RetryPolicy, errKind handler.ErrorKind, attempt int) (Decision, time.Duration) {
	if policy == nil || !retryable(policy, errKind) || attempt >= policy.MaxAttempts {
		return DecisionRouteError, 0
	}
	return DecisionRetry, Backoff(policy, attempt)
}

// retryable reports whether errKind is in the policy's RetryOn allow-list.
// An empty RetryOn list means "retry any error kind". internalError is
// always terminal and never retried, whatever RetryOn says.
func retryable(policy *graph.RetryPolicy, errKind handler.ErrorKind) bool {
	if errKind == handler.ErrInternalError {
		return false
	}
	if len(policy.RetryOn) == 0 {
		return true
	}
	for _, k := range policy.RetryOn {
		if k == string(errKind) {
			return true
		}
	}
	return false
}

// Backoff computes the delay before the (attempt+1)th invocation, using
// exponential backoff capped at MaxBackoffMs: initial * multiplier^(attempt-1).
func Backoff(policy *graph.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialBackoffMs
	if initial <= 0 {
		initial = 1000
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxMs := policy.MaxBackoffMs
	if maxMs <= 0 {
		maxMs = 30000
	}

	ms := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if ms > float64(maxMs) {
		ms = float64(maxMs)
	}
	return time.Duration(ms) * time.Millisecond
}
