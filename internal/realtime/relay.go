package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"chatfabric/pkg/logx"
)

// Envelope is one event on the relay.
type Envelope struct {
	Origin string          `json:"origin"`
	Type   string          `json:"type"`
	Tenant string          `json:"tenant"`
	Data   json.RawMessage `json:"data"`
}

// Relay carries events between hub instances.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls fn for every envelope until ctx ends or the
	// subscription fails.
	Subscribe(ctx context.Context, fn func(Envelope)) error
}

// RedisRelay is a Relay over Redis pub/sub.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	log     logx.Logger
}

const DefaultRelayChannel = "fabric:realtime"

func NewRedisRelay(rdb *redis.Client, channel string, log logx.Logger) *RedisRelay {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{rdb: rdb, channel: channel, log: log.With(logx.Component("realtime.relay"))}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

func (r *RedisRelay) Subscribe(ctx context.Context, fn func(Envelope)) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	defer ps.Close()
	// Wait for the subscription to be confirmed before reading messages.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("relay subscribed", logx.String("channel", r.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay channel %s closed", r.channel)
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("bad relay message", logx.Err(err))
				continue
			}
			fn(env)
		}
	}
}
