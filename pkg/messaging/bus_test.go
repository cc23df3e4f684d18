package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusBroadcastsToAllSubscribers(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Index: "pipelines", Op: OpCreate, Item: json.RawMessage(`{"id":"p1"}`)})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "pipelines", ev.Index)
			assert.Equal(t, OpCreate, ev.Op)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusSubscriberSeesOnlyLaterEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Index: "pipelines", Op: OpCreate})

	ch, cancel := bus.Subscribe()
	defer cancel()

	select {
	case <-ch:
		t.Fatal("subscriber received an event published before subscribing")
	default:
	}

	bus.Publish(Event{Index: "pipelines", Op: OpUpdate})
	select {
	case ev := <-ch:
		assert.Equal(t, OpUpdate, ev.Op)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < busBuffer+10; i++ {
		bus.Publish(Event{Index: "agents", Op: OpUpdate})
	}

	// The buffer holds exactly busBuffer events; the overflow was dropped
	// without blocking the publisher.
	assert.Equal(t, busBuffer, len(ch))
}

func TestBusCancelUnsubscribes(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	assert.Equal(t, 0, bus.Subscribers())
	// Second cancel is a no-op.
	cancel()
}

func TestLogQueueNaming(t *testing.T) {
	assert.Equal(t, "pipeline-logs-abc", LogQueue("abc"))
	assert.True(t, IsEOF([]byte("EOF")))
	assert.False(t, IsEOF([]byte(`{"stage":"t","line":"EOF"}`)))
}
