package ws

import (
	"context"
	"strings"

	"github.com/flowcore/engine/internal/logger"
	"github.com/flowcore/engine/internal/redis"
)

const channelPrefix = "execution-events:"

func channelFor(executionID string) string {
	return channelPrefix + executionID
}

// RedisSubscriber listens to every execution-events:* channel and forwards
// each message to the Hub, decoupling the scheduler's publish call (which
// must never block on a slow WebSocket client) from delivery.
type RedisSubscriber struct {
	redis *redis.Client
	hub   *Hub
	log   *logger.Logger
}

// NewRedisSubscriber constructs a RedisSubscriber.
func NewRedisSubscriber(redisClient *redis.Client, hub *Hub, log *logger.Logger) *RedisSubscriber {
	return &RedisSubscriber{redis: redisClient, hub: hub, log: log}
}

// Start subscribes and forwards messages until ctx is cancelled.
func (s *RedisSubscriber) Start(ctx context.Context) {
	pubsub := s.redis.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			executionID := strings.TrimPrefix(msg.Channel, channelPrefix)
			if executionID == "" {
				continue
			}
			s.hub.Broadcast(executionID, []byte(msg.Payload))
		}
	}
}
