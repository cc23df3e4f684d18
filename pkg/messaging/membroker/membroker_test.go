package membroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyops/rustyci/pkg/messaging"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateQueue(ctx, "q"))

	require.NoError(t, b.Publish(ctx, "q", []byte("one")))
	require.NoError(t, b.Publish(ctx, "q", []byte("two")))

	c, err := b.Consumer(ctx, "q")
	require.NoError(t, err)
	defer c.Close()

	msg, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg))

	msg, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(msg))
}

func TestPublishToUnknownQueue(t *testing.T) {
	b := New()
	err := b.Publish(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, messaging.ErrUnknownQueue)

	_, err = b.Consumer(context.Background(), "missing")
	assert.ErrorIs(t, err, messaging.ErrUnknownQueue)
}

func TestCreateQueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateQueue(ctx, "q"))
	require.NoError(t, b.Publish(ctx, "q", []byte("kept")))
	require.NoError(t, b.CreateQueue(ctx, "q"))

	c, err := b.Consumer(ctx, "q")
	require.NoError(t, err)
	msg, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(msg))
}

func TestCompetingConsumersSplitMessages(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateQueue(ctx, "q"))

	const total = 50
	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(ctx, "q", []byte{byte(i)}))
	}

	var mu sync.Mutex
	seen := make(map[byte]int)
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		c, err := b.Consumer(ctx, "q")
		require.NoError(t, err)
		wg.Add(1)
		go func(c messaging.Consumer) {
			defer wg.Done()
			for {
				readCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				msg, err := c.Next(readCtx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[msg[0]]++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	// Each message was delivered exactly once, across both consumers.
	assert.Len(t, seen, total)
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}
}

func TestDeleteQueueDrainsThenCloses(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateQueue(ctx, "q"))
	require.NoError(t, b.Publish(ctx, "q", []byte("last")))

	c, err := b.Consumer(ctx, "q")
	require.NoError(t, err)

	require.NoError(t, b.DeleteQueue(ctx, "q"))

	msg, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(msg))

	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, messaging.ErrQueueClosed)

	err = b.Publish(ctx, "q", []byte("late"))
	assert.Error(t, err)
}

func TestNextHonorsContext(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateQueue(ctx, "q"))

	c, err := b.Consumer(ctx, "q")
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = c.Next(readCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEOFSentinelPassesThrough(t *testing.T) {
	ctx := context.Background()
	b := New()
	require.NoError(t, b.CreateQueue(ctx, "q"))
	require.NoError(t, b.Publish(ctx, "q", []byte(`{"stage":"t","line":"hello"}`)))
	require.NoError(t, b.Publish(ctx, "q", []byte(messaging.EOF)))

	c, err := b.Consumer(ctx, "q")
	require.NoError(t, err)

	msg, err := c.Next(ctx)
	require.NoError(t, err)
	assert.False(t, messaging.IsEOF(msg))

	msg, err = c.Next(ctx)
	require.NoError(t, err)
	assert.True(t, messaging.IsEOF(msg))
}
