package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := New()
	a, unsubA := bus.Subscribe(4)
	defer unsubA()
	b, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Publish(Event{Type: TypeSlotWritten, Data: "stt"})

	ea := <-a
	eb := <-b
	assert.Equal(t, TypeSlotWritten, ea.Type)
	assert.Equal(t, TypeSlotWritten, eb.Type)
	assert.False(t, ea.Time.IsZero())
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: "one"})
	bus.Publish(Event{Type: "two"})

	require.Len(t, ch, 1)
	assert.Equal(t, "one", (<-ch).Type)
}

func TestUnsubscribeIsIdempotentAndClosesChannel(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: "late"})
}

func TestPublishToNilBusIsNoop(t *testing.T) {
	PublishTo(nil, "x", nil)
}
