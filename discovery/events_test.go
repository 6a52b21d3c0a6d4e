package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(Event{Kind: EventCycleStarted, Endpoint: "ep"})
	bus.Close()

	for _, ch := range []<-chan Event{a, b} {
		ev, ok := <-ch
		require.True(t, ok)
		assert.Equal(t, EventCycleStarted, ev.Kind)
		assert.Equal(t, "ep", ev.Endpoint)
		assert.False(t, ev.Time.IsZero())

		_, ok = <-ch
		assert.False(t, ok, "channel must be closed after Close")
	}
}

func TestBusPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(1)

	// The second publish overflows the buffer and must be dropped, not
	// stall the publisher.
	bus.Publish(Event{Kind: EventCycleStarted})
	bus.Publish(Event{Kind: EventCycleCompleted})
	bus.Close()

	var got []EventKind
	for ev := range slow {
		got = append(got, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventCycleStarted}, got)
}

func TestBusIsSafeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()
	bus.Close()
	bus.Publish(Event{Kind: EventCycleStarted})

	ch := bus.Subscribe(1)
	_, ok := <-ch
	assert.False(t, ok, "subscribing after Close yields a closed channel")
}
