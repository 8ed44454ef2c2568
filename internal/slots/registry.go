package slots

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"curses/internal/eventbus"
	logx "curses/pkg/logx"
)

// Handler receives a slot's new event. It runs on the writer's goroutine and
// must not write to the slot it is subscribed to.
type Handler func(ev TextEvent)

// Subscription identifies one handler on one key.
type Subscription struct {
	key Key
	id  uint64
}

func (s Subscription) Key() Key { return s.key }

// WrittenEvent is published on the event bus after a notifying write.
type WrittenEvent struct {
	Key      Key    `json:"key"`
	Kind     string `json:"kind"`
	Seq      uint64 `json:"seq"`
	Notified int    `json:"notified"`
}

type subscriber struct {
	id uint64
	fn Handler
}

type slot struct {
	// writeMu serializes write+dispatch so handlers of one key never overlap.
	writeMu sync.Mutex

	mu    sync.Mutex
	has   bool
	value TextEvent
	subs  []subscriber
}

type Registry struct {
	catalog Catalog
	log     logx.Logger
	bus     eventbus.Bus

	seq   atomic.Uint64
	subID atomic.Uint64

	mu    sync.Mutex
	slots map[Key]*slot
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(r *Registry) { r.bus = bus } }

func NewRegistry(catalog Catalog, opts ...Option) *Registry {
	if catalog.keys == nil {
		catalog = NewCatalog()
	}
	r := &Registry{catalog: catalog, slots: map[Key]*slot{}}
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

func (r *Registry) Catalog() Catalog { return r.catalog }

func (r *Registry) slot(k Key) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[k]
	if s == nil {
		s = &slot{}
		r.slots[k] = s
	}
	return s
}

// Subscribe appends fn to the key's handler list.
func (r *Registry) Subscribe(k Key, fn Handler) (Subscription, error) {
	if err := r.catalog.Validate(k); err != nil {
		return Subscription{}, err
	}
	if fn == nil {
		return Subscription{}, fmt.Errorf("slots: nil handler for %q", string(k))
	}
	sub := Subscription{key: k, id: r.subID.Add(1)}
	s := r.slot(k)
	s.mu.Lock()
	s.subs = append(s.subs, subscriber{id: sub.id, fn: fn})
	s.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes the handler. Unknown or repeated handles are ignored.
func (r *Registry) Unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	s := r.slot(sub.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.subs {
		if it.id == sub.id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}

// Latest returns the stored event for k.
func (r *Registry) Latest(k Key) (TextEvent, bool) {
	s := r.slot(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.has
}

// Write stores ev when it differs from the stored value and then runs every
// current handler in subscription order before returning. It reports how
// many handlers were invoked; a redundant write invokes none.
func (r *Registry) Write(k Key, ev TextEvent) (int, error) {
	if err := r.catalog.Validate(k); err != nil {
		return 0, err
	}
	s := r.slot(k)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.has && s.value.Same(ev) {
		s.mu.Unlock()
		return 0, nil
	}
	ev.Seq = r.seq.Add(1)
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.value = ev
	s.has = true
	subs := append([]subscriber(nil), s.subs...)
	s.mu.Unlock()

	for _, sub := range subs {
		r.invoke(k, sub, ev)
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeSlotWritten, Time: ev.At, Data: WrittenEvent{
			Key: k, Kind: ev.Kind.String(), Seq: ev.Seq, Notified: len(subs),
		}})
	}
	return len(subs), nil
}

func (r *Registry) invoke(k Key, sub subscriber, ev TextEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("slot handler panicked",
				logx.String("key", string(k)),
				logx.Uint64("subscription", sub.id),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	sub.fn(ev)
}
