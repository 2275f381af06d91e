package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "dispatch:fanout"

// RedisBackplane relays envelopes over a Redis pub/sub channel.
type RedisBackplane struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisBackplane(client *redis.Client, channel string, logger *slog.Logger) *RedisBackplane {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBackplane{client: client, channel: channel, logger: logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBackplane) Subscribe(ctx context.Context, fn func(Envelope)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bad fanout envelope", "error", err)
				continue
			}
			fn(env)
		}
	}
}

// Close is a no-op; the redis client is owned by the caller.
func (b *RedisBackplane) Close() error { return nil }
