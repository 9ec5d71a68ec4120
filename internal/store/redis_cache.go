package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowcore/engine/internal/redis"
)

const cacheTTL = 30 * time.Second

// CachedStore decorates an ExecutionStore with a Redis-backed hot-path cache
// for FindExecution, grounded on common/redis/client.go's GetHash/SetHash
// pair. Writes always go through to the underlying store first (Postgres
// is the durability boundary); the cache is best-effort and invalidated on
// every CreateExecution/Transition (RecordNodeRun passes straight through,
// since NodeRuns are not part of the cached Execution row) so a cache miss
// or Redis outage only costs
// a Postgres round trip, never a correctness gap.
type CachedStore struct {
	ExecutionStore
	redis *redis.Client
}

// NewCachedStore wraps an ExecutionStore with a Redis read cache.
func NewCachedStore(underlying ExecutionStore, redisClient *redis.Client) *CachedStore {
	return &CachedStore{ExecutionStore: underlying, redis: redisClient}
}

func cacheKey(executionID string) string {
	return "execution:" + executionID
}

func (c *CachedStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if err := c.ExecutionStore.CreateExecution(ctx, exec); err != nil {
		return err
	}
	c.invalidate(ctx, exec.ID)
	return nil
}

func (c *CachedStore) Transition(ctx context.Context, executionID string, status ExecutionStatus, output map[string]interface{}, execErr *string) error {
	if err := c.ExecutionStore.Transition(ctx, executionID, status, output, execErr); err != nil {
		return err
	}
	c.invalidate(ctx, executionID)
	return nil
}

func (c *CachedStore) RecordNodeRun(ctx context.Context, run *NodeRun) error {
	return c.ExecutionStore.RecordNodeRun(ctx, run)
}

func (c *CachedStore) FindExecution(ctx context.Context, executionID string) (*Execution, error) {
	if raw, ok, err := c.redis.Get(ctx, cacheKey(executionID)); err == nil && ok {
		var exec Execution
		if jsonErr := json.Unmarshal([]byte(raw), &exec); jsonErr == nil {
			return &exec, nil
		}
	}

	exec, err := c.ExecutionStore.FindExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(exec); err == nil {
		_ = c.redis.SetWithExpiry(ctx, cacheKey(executionID), string(raw), cacheTTL)
	}
	return exec, nil
}

func (c *CachedStore) invalidate(ctx context.Context, executionID string) {
	_ = c.redis.Delete(ctx, cacheKey(executionID))
	_ = c.redis.PublishEvent(ctx, executionChannel(executionID), []byte("status-changed"))
}

func executionChannel(executionID string) string {
	return "execution-events:" + executionID
}
