package broker

import (
	"context"
	"encoding/json"

	"github.com/abdelmounim-dev/voicesync/metrics"
	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
)

// RedisPublisher publishes room events on a Redis pub/sub channel.
type RedisPublisher struct {
	client   *redis.Client
	channel  string
	serverID string
}

func NewRedisPublisher(client *redis.Client, channel, serverID string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, serverID: serverID}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.ServerID == "" {
		event.ServerID = p.serverID
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return errors.Wrap(err, "redis publish failed")
	}
	metrics.BrokerMessagesPublished.WithLabelValues("redis").Inc()
	return nil
}

// Close is a no-op; the client is shared and closed by its owner.
func (p *RedisPublisher) Close() error { return nil }
