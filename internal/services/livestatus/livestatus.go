// Package livestatus tracks the connection state of external services so
// other services can gate on it.
package livestatus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"curses/internal/eventbus"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disconnected", "":
		return Disconnected, nil
	case "connecting":
		return Connecting, nil
	case "connected":
		return Connected, nil
	default:
		return Disconnected, fmt.Errorf("unknown network state %q", s)
	}
}

// Reader is the read-only view handed to gates.
type Reader interface {
	State() State
}

// ReaderSource hands out read-only views by service name. Services receive
// this instead of the Board.
type ReaderSource interface {
	Reader(name string) Reader
}

// Cell holds one service's state. Only the owning service writes it.
type Cell struct {
	name string
	v    atomic.Int32
	bus  eventbus.Bus
}

func (c *Cell) State() State { return State(c.v.Load()) }

// Set stores s and reports whether it changed.
func (c *Cell) Set(s State) bool {
	prev := State(c.v.Swap(int32(s)))
	if prev == s {
		return false
	}
	eventbus.PublishTo(c.bus, eventbus.TypeLiveStatus, Change{Service: c.name, From: prev.String(), To: s.String()})
	return true
}

type Change struct {
	Service string `json:"service"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// Board is the set of cells, one per service name.
type Board struct {
	bus eventbus.Bus

	mu    sync.Mutex
	cells map[string]*Cell
}

func NewBoard(bus eventbus.Bus) *Board {
	return &Board{bus: bus, cells: map[string]*Cell{}}
}

// Cell returns the writable cell for name, creating it disconnected.
func (b *Board) Cell(name string) *Cell {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cells[name]
	if c == nil {
		c = &Cell{name: name, bus: b.bus}
		b.cells[name] = c
	}
	return c
}

// Reader returns a view of name's cell that cannot be used to write it.
func (b *Board) Reader(name string) Reader { return readOnly{c: b.Cell(name)} }

type readOnly struct{ c *Cell }

func (r readOnly) State() State { return r.c.State() }

func (b *Board) Snapshot() map[string]State {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]State, len(b.cells))
	for k, c := range b.cells {
		out[k] = c.State()
	}
	return out
}

func (b *Board) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.cells))
	for k := range b.cells {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
