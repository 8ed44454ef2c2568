package livestatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curses/internal/eventbus"
)

func TestCellDefaultsToDisconnected(t *testing.T) {
	b := NewBoard(nil)
	assert.Equal(t, Disconnected, b.Reader("twitch").State())
}

func TestReaderSeesWrites(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	b := NewBoard(bus)
	r := b.Reader("twitch")
	assert.True(t, b.Cell("twitch").Set(Connected))
	assert.False(t, b.Cell("twitch").Set(Connected))
	assert.Equal(t, Connected, r.State())

	e := <-events
	assert.Equal(t, eventbus.TypeLiveStatus, e.Type)
	ch, ok := e.Data.(Change)
	require.True(t, ok)
	assert.Equal(t, Change{Service: "twitch", From: "disconnected", To: "connected"}, ch)

	assert.Equal(t, map[string]State{"twitch": Connected}, b.Snapshot())
	assert.Equal(t, []string{"twitch"}, b.Names())
}

func TestParseState(t *testing.T) {
	s, err := ParseState("Connected")
	require.NoError(t, err)
	assert.Equal(t, Connected, s)

	_, err = ParseState("live")
	assert.Error(t, err)
}

func TestReaderCannotWrite(t *testing.T) {
	var src ReaderSource = NewBoard(nil)
	r := src.Reader("twitch")
	_, writable := r.(*Cell)
	assert.False(t, writable)
	_, writable = r.(interface{ Set(State) bool })
	assert.False(t, writable)
}
