package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Channel is the pub/sub channel shared by every process.
	Channel string
}

// Redis is a Bus that relays events through a Redis pub/sub channel so that
// every process delivers them to its own subscribers.
type Redis struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	local   *Local
	logger  *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Bus = (*Redis)(nil)

// NewRedis connects to Redis and starts relaying events from cfg.Channel.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	b, err := NewRedisFromClient(ctx, client, cfg.Channel, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// NewRedisFromClient relays events over channel using an existing client.
// The bus owns the client and closes it on Close.
func NewRedisFromClient(ctx context.Context, client *redis.Client, channel string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = "agentdesk:chat-events"
	}
	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription so that no event published after
	// construction is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b := &Redis{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		local:   NewLocal(logger),
		logger:  logger.With("component", "redis_bus", "channel", channel),
	}
	b.wg.Add(1)
	go b.relay()
	return b, nil
}

func (b *Redis) relay() {
	defer b.wg.Done()
	for msg := range b.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.logger.Warn("discarding malformed chat event", "error", err)
			continue
		}
		b.local.deliver(ev)
	}
}

// Publish sends ev to every process subscribed to the channel, this one included.
func (b *Redis) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal chat event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish chat event: %w", err)
	}
	return nil
}

// Subscribe registers a subscriber for ownerID in this process.
func (b *Redis) Subscribe(ctx context.Context, ownerID string) (<-chan Event, func()) {
	return b.local.Subscribe(ctx, ownerID)
}

// Close stops relaying and releases the Redis client.
func (b *Redis) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = errors.Join(b.pubsub.Close())
		b.wg.Wait()
		err = errors.Join(err, b.local.Close(), b.client.Close())
	})
	return err
}
