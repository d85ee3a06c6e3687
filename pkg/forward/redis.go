package forward

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"wcfbridge/pkg/event"
)

// Redis publishes every event as JSON on one pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	mode    Mode
}

func NewRedis(addr, channel string, mode Mode) *Redis {
	if mode == "" {
		mode = ModeFireAndForget
	}
	return &Redis{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		mode:    mode,
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Mode() Mode { return r.mode }

func (r *Redis) Deliver(ctx context.Context, ev event.NormalizedEvent) error {
	payload, err := encodeRedisMessage(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func encodeRedisMessage(ev event.NormalizedEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(data), nil
}
