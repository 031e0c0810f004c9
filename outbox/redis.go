package outbox

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// DefaultChannel is the pub/sub channel other service instances listen
// on to feed their own stream subscribers.
const DefaultChannel = "board:events"

// RedisPublisher broadcasts event envelopes on a redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) PublishEvent(ctx context.Context, env domain.ChangeEnvelope) error {
	payload, err := sonic.ConfigStd.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", env.Event.ID, err)
	}
	return nil
}
