package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quizroom/config"
	"quizroom/models"
)

// NewRedisClient connects and pings the configured Redis.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisChannel fans change events out across server instances with Redis pub/sub.
type RedisChannel struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

func NewRedisChannel(client redis.UniversalClient, log zerolog.Logger) *RedisChannel {
	return &RedisChannel{client: client, log: log}
}

func (c *RedisChannel) Publish(ctx context.Context, event models.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := c.client.Publish(ctx, roomTopic(event.RoomID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

func (c *RedisChannel) Subscribe(ctx context.Context, roomID string, h Handler) (Subscription, error) {
	ps := c.client.Subscribe(ctx, roomTopic(roomID))

	// wait for the subscription confirmation so failures surface here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", roomID, err)
	}

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			var event models.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				c.log.Warn().Err(err).Str("room_id", roomID).Msg("malformed change event")
				continue
			}
			h(event)
		}
	}()

	return subscriptionFunc(ps.Close), nil
}
