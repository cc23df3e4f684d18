package redisbroker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/rustyops/rustyci/pkg/messaging"
)

func setupBroker(t *testing.T) *Broker {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	broker, err := New(ctx, Config{
		Addr:        addr,
		PoolSize:    24,
		DialTimeout: 30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestRedisPublishConsume(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.CreateQueue(ctx, "logs"))
	require.NoError(t, broker.Publish(ctx, "logs", []byte(`{"stage":"t","line":"hello"}`)))
	require.NoError(t, broker.Publish(ctx, "logs", []byte(messaging.EOF)))

	c, err := broker.Consumer(ctx, "logs")
	require.NoError(t, err)
	defer c.Close()

	msg, err := c.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"t","line":"hello"}`, string(msg))

	msg, err = c.Next(ctx)
	require.NoError(t, err)
	assert.True(t, messaging.IsEOF(msg))
}

func TestRedisConsumerRequiresCreatedQueue(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()

	_, err := broker.Consumer(ctx, "never-created")
	assert.ErrorIs(t, err, messaging.ErrUnknownQueue)
}

func TestRedisDeleteQueueStopsConsumer(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.CreateQueue(ctx, "doomed"))
	c, err := broker.Consumer(ctx, "doomed")
	require.NoError(t, err)

	require.NoError(t, broker.DeleteQueue(ctx, "doomed"))

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = c.Next(readCtx)
	assert.ErrorIs(t, err, messaging.ErrQueueClosed)
}

func TestRedisCompetingConsumers(t *testing.T) {
	broker := setupBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.CreateQueue(ctx, "shared"))
	for i := 0; i < 10; i++ {
		require.NoError(t, broker.Publish(ctx, "shared", []byte{byte('0' + i)}))
	}

	c1, err := broker.Consumer(ctx, "shared")
	require.NoError(t, err)
	c2, err := broker.Consumer(ctx, "shared")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		c := c1
		if i%2 == 1 {
			c = c2
		}
		msg, err := c.Next(ctx)
		require.NoError(t, err)
		require.False(t, seen[string(msg)], "message delivered twice")
		seen[string(msg)] = true
	}
	assert.Len(t, seen, 10)
}
