package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowcore/engine/internal/logger"
	"github.com/flowcore/engine/internal/redis"
)

// Publisher implements scheduler.EventPublisher by publishing node-status
// events to the Execution's Redis channel, where RedisSubscriber picks them
// up and fans them out to connected WebSocket clients. The execution loop
// that calls PublishNodeEvent never talks to the hub directly: a slow or
// absent Redis only costs a dropped event, never a blocked scheduler.
type Publisher struct {
	redis *redis.Client
	log   *logger.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(redisClient *redis.Client, log *logger.Logger) *Publisher {
	return &Publisher{redis: redisClient, log: log}
}

type nodeEvent struct {
	NodeID string    `json:"nodeId"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// PublishNodeEvent implements scheduler.EventPublisher.
func (p *Publisher) PublishNodeEvent(executionID, nodeID, status string, at time.Time) {
	payload, err := json.Marshal(nodeEvent{NodeID: nodeID, Status: status, At: at})
	if err != nil {
		p.log.Error("marshal node event failed", "executionId", executionID, "error", err)
		return
	}
	if err := p.redis.PublishEvent(context.Background(), channelFor(executionID), payload); err != nil {
		p.log.Warn("publish node event failed", "executionId", executionID, "error", err)
	}
}
