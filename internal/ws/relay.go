package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pliu/heartline/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type envelope struct {
	Origin string             `json:"origin"`
	Event  models.ChangeEvent `json:"event"`
}

// RedisRelay shares change events between service instances over a Redis
// Pub/Sub channel. Each instance tags what it publishes with its own origin
// id and ignores those messages when they come back.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

func NewRedisRelay(client *redis.Client, channel string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	origin := uuid.NewString()
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With(zap.String("relay_origin", origin)),
	}
}

func (r *RedisRelay) Origin() string {
	return r.origin
}

func (r *RedisRelay) Publish(ctx context.Context, ev models.ChangeEvent) error {
	b, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Run subscribes to the relay channel and hands every foreign event to
// deliver until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver func(models.ChangeEvent)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", zap.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("malformed relay payload", zap.Error(err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			deliver(env.Event)
		}
	}
}
