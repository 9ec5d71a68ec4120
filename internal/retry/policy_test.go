package retry

import (
	"testing"
	"time"

	"github.com/flowcore/engine/internal/graph"
	"github.com/flowcore/engine/internal/handler"
)

func TestEvaluate_RetriesUntilMaxAttempts(t *testing.T) {
	policy := &graph.RetryPolicy{MaxAttempts: 3, InitialBackoffMs: 100, BackoffMultiplier: 2, MaxBackoffMs: 10000}

	decision, delay := Evaluate(policy, handler.ErrRemoteError, 1)
	if decision != DecisionRetry {
		t.Fatalf("attempt 1: expected retry, got %v", decision)
	}
	if delay != 100*time.Millisecond {
		t.Fatalf("attempt 1: expected 100ms backoff, got %v", delay)
	}

	decision, delay = Evaluate(policy, handler.ErrRemoteError, 2)
	if decision != DecisionRetry {
		t.Fatalf("attempt 2: expected retry, got %v", decision)
	}
	if delay != 200*time.Millisecond {
		t.Fatalf("attempt 2: expected 200ms backoff, got %v", delay)
	}

	decision, _ = Evaluate(policy, handler.ErrRemoteError, 3)
	if decision != DecisionRouteError {
		t.Fatalf("attempt 3 (== MaxAttempts): expected route to error edges, got %v", decision)
	}
}

func TestEvaluate_RetryOnAllowList(t *testing.T) {
	policy := &graph.RetryPolicy{MaxAttempts: 5, RetryOn: []string{"remoteError", "timeout"}}

	decision, _ := Evaluate(policy, handler.ErrInvalidConfig, 1)
	if decision != DecisionRouteError {
		t.Fatalf("expected invalidConfig to skip retry (not in RetryOn), got %v", decision)
	}

	decision, _ = Evaluate(policy, handler.ErrTimeout, 1)
	if decision != DecisionRetry {
		t.Fatalf("expected timeout to be retryable, got %v", decision)
	}
}

func TestBackoff_CapsAtMaxBackoffMs(t *testing.T) {
	policy := &graph.RetryPolicy{MaxAttempts: 10, InitialBackoffMs: 1000, BackoffMultiplier: 3, MaxBackoffMs: 5000}

	delay := Backoff(policy, 5)
	if delay != 5000*time.Millisecond {
		t.Fatalf("expected backoff capped at 5000ms, got %v", delay)
	}
}

func TestEvaluate_NilPolicyRoutesToError(t *testing.T) {
	decision, _ := Evaluate(nil, handler.ErrRemoteError, 1)
	if decision != DecisionRouteError {
		t.Fatalf("expected nil policy to route to error edges, got %v", decision)
	}
}
