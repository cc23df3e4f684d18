// Package redisbroker provides a Redis-backed broker. Queues are Redis
// lists, so delivery is at-least-once and consumers blocked on the same
// list compete for messages, which matches the broker contract.
package redisbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rustyops/rustyci/pkg/messaging"
)

const (
	keyPrefix   = "rustyci:queue:"
	registryKey = "rustyci:queues"

	// popTimeout slices blocking reads so context cancellation and
	// queue deletion are noticed promptly.
	popTimeout = time.Second
)

// Config holds the Redis connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// Broker is the Redis messaging.Broker implementation.
type Broker struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("messaging: redis ping: %w", err)
	}
	return &Broker{client: client}, nil
}

// CreateQueue registers the queue name. Idempotent.
func (b *Broker) CreateQueue(ctx context.Context, name string) error {
	if err := b.client.SAdd(ctx, registryKey, name).Err(); err != nil {
		return fmt.Errorf("messaging: create queue %s: %w", name, err)
	}
	return nil
}

// DeleteQueue unregisters the queue and drops its pending messages.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	if err := b.client.SRem(ctx, registryKey, name).Err(); err != nil {
		return fmt.Errorf("messaging: delete queue %s: %w", name, err)
	}
	if err := b.client.Del(ctx, keyPrefix+name).Err(); err != nil {
		return fmt.Errorf("messaging: delete queue %s: %w", name, err)
	}
	return nil
}

// Publish appends the message to the queue list.
func (b *Broker) Publish(ctx context.Context, name string, msg []byte) error {
	if err := b.client.RPush(ctx, keyPrefix+name, msg).Err(); err != nil {
		return fmt.Errorf("messaging: publish to %s: %w", name, err)
	}
	return nil
}

// Consumer binds a consumer to the queue. The queue must have been
// created; callers that race queue creation retry on ErrUnknownQueue.
func (b *Broker) Consumer(ctx context.Context, name string) (messaging.Consumer, error) {
	known, err := b.client.SIsMember(ctx, registryKey, name).Result()
	if err != nil {
		return nil, fmt.Errorf("messaging: consumer for %s: %w", name, err)
	}
	if !known {
		return nil, messaging.ErrUnknownQueue
	}
	return &consumer{broker: b, name: name}, nil
}

// Close releases the connection pool.
func (b *Broker) Close() error {
	return b.client.Close()
}

type consumer struct {
	broker *Broker
	name   string
}

// Next pops the next message. When the pop times out it re-checks the
// registry so a deleted queue surfaces as ErrQueueClosed instead of a
// silent forever-block.
func (c *consumer) Next(ctx context.Context) ([]byte, error) {
	key := keyPrefix + c.name
	for {
		res, err := c.broker.client.BLPop(ctx, popTimeout, key).Result()
		if err == nil {
			return []byte(res[1]), nil
		}
		if err != redis.Nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("messaging: consume from %s: %w", c.name, err)
		}

		known, regErr := c.broker.client.SIsMember(ctx, registryKey, c.name).Result()
		if regErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("messaging: consume from %s: %w", c.name, regErr)
		}
		if !known {
			return nil, messaging.ErrQueueClosed
		}
	}
}

func (c *consumer) Close() error {
	return nil
}
