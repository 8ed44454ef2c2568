package slots

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curses/internal/eventbus"
)

func TestWriteNotifiesInSubscriptionOrder(t *testing.T) {
	r := NewRegistry(NewCatalog())
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		_, err := r.Subscribe(KeySTT, func(ev TextEvent) { order = append(order, i) })
		require.NoError(t, err)
	}

	n, err := r.Write(KeySTT, Final("hello"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestIdenticalConsecutiveWritesNotifyOnce(t *testing.T) {
	r := NewRegistry(NewCatalog())
	var calls int
	_, err := r.Subscribe(KeySTT, func(ev TextEvent) { calls++ })
	require.NoError(t, err)

	n, err := r.Write(KeySTT, Final("same"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.Write(KeySTT, Final("same"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, calls)
}

func TestDifferentValueOrKindNotifies(t *testing.T) {
	r := NewRegistry(NewCatalog())
	var got []TextEvent
	_, err := r.Subscribe(KeySTT, func(ev TextEvent) { got = append(got, ev) })
	require.NoError(t, err)

	for _, ev := range []TextEvent{Interim("he"), Interim("hel"), Final("hel"), Final("hello"), Interim("hello")} {
		n, err := r.Write(KeySTT, ev)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Seq, got[i-1].Seq)
	}
	assert.Equal(t, KindInterim, got[4].Kind)
}

func TestSameValueDifferentTimestampIsRedundant(t *testing.T) {
	r := NewRegistry(NewCatalog())
	_, err := r.Write(KeyTextField, TextEvent{Value: "x", Kind: KindFinal, At: time.Unix(1, 0)})
	require.NoError(t, err)
	var calls int
	_, err = r.Subscribe(KeyTextField, func(ev TextEvent) { calls++ })
	require.NoError(t, err)

	n, err := r.Write(KeyTextField, TextEvent{Value: "x", Kind: KindFinal, At: time.Unix(99, 0)})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	r := NewRegistry(NewCatalog())
	var after bool
	_, err := r.Subscribe(KeySTT, func(ev TextEvent) { panic("bad handler") })
	require.NoError(t, err)
	_, err = r.Subscribe(KeySTT, func(ev TextEvent) { after = true })
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		_, err = r.Write(KeySTT, Final("x"))
	})
	require.NoError(t, err)
	assert.True(t, after)
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry(NewCatalog())
	var a, b int
	subA, err := r.Subscribe(KeySTT, func(ev TextEvent) { a++ })
	require.NoError(t, err)
	_, err = r.Subscribe(KeySTT, func(ev TextEvent) { b++ })
	require.NoError(t, err)

	r.Unsubscribe(subA)
	r.Unsubscribe(subA)
	r.Unsubscribe(Subscription{})

	n, err := r.Write(KeySTT, Final("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, a)
	assert.Equal(t, 1, b)
}

func TestUnknownKeysFailFast(t *testing.T) {
	r := NewRegistry(NewCatalog())

	_, err := r.Subscribe("postSauce", func(ev TextEvent) {})
	assert.ErrorIs(t, err, ErrUnknownKey)

	_, err = r.Write("postSauce", Final("x"))
	assert.ErrorIs(t, err, ErrUnknownKey)

	r = NewRegistry(NewCatalog("postSource"))
	_, err = r.Subscribe("postSource", func(ev TextEvent) {})
	assert.NoError(t, err)
}

func TestLatest(t *testing.T) {
	r := NewRegistry(NewCatalog())
	_, ok := r.Latest(KeyTranslation)
	assert.False(t, ok)

	_, err := r.Write(KeyTranslation, Interim("hola"))
	require.NoError(t, err)
	ev, ok := r.Latest(KeyTranslation)
	require.True(t, ok)
	assert.Equal(t, "hola", ev.Value)
	assert.NotZero(t, ev.Seq)
	assert.False(t, ev.At.IsZero())
}

func TestHandlersOfOneKeyNeverOverlap(t *testing.T) {
	r := NewRegistry(NewCatalog())
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	_, err := r.Subscribe(KeySTT, func(ev TextEvent) {
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Write(KeySTT, Final(string(rune('a'+i))))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestWritePublishesOnBus(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	r := NewRegistry(NewCatalog(), WithBus(bus))
	_, err := r.Write(KeySTT, Final("x"))
	require.NoError(t, err)

	e := <-events
	assert.Equal(t, eventbus.TypeSlotWritten, e.Type)
	we, ok := e.Data.(WrittenEvent)
	require.True(t, ok)
	assert.Equal(t, KeySTT, we.Key)
	assert.Equal(t, "final", we.Kind)
}
