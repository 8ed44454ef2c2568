// Package router binds registry keys to outbound sinks through per-service
// gates and reports a typed outcome for every event it sees.
package router

import (
	"context"
	"errors"
	"time"

	"curses/internal/sink"
	"curses/internal/slots"
)

var ErrSinkPanic = errors.New("sink panicked")

const DefaultSinkTimeout = 10 * time.Second

type SkipReason int

const (
	SkipNone SkipReason = iota
	SkipSuppressed
	SkipDisabled
	SkipEmpty
	SkipInterim
)

func (r SkipReason) String() string {
	switch r {
	case SkipSuppressed:
		return "suppressed"
	case SkipDisabled:
		return "disabled"
	case SkipEmpty:
		return "empty"
	case SkipInterim:
		return "interim"
	default:
		return ""
	}
}

// Gate holds the predicates of one binding. Nil funcs mean: not suppressed,
// enabled, finals only.
type Gate struct {
	Suppressed   func() bool
	Enabled      func() bool
	AllowInterim func() bool
}

// Check evaluates suppression, the enable flag, payload emptiness and kind,
// in that order.
func (g Gate) Check(ev slots.TextEvent) SkipReason {
	if g.Suppressed != nil && g.Suppressed() {
		return SkipSuppressed
	}
	if g.Enabled != nil && !g.Enabled() {
		return SkipDisabled
	}
	if ev.Value == "" {
		return SkipEmpty
	}
	if ev.Kind != slots.KindFinal && (g.AllowInterim == nil || !g.AllowInterim()) {
		return SkipInterim
	}
	return SkipNone
}

type Sink interface {
	Send(ctx context.Context, value string) sink.Result
}

type SinkFunc func(ctx context.Context, value string) sink.Result

func (f SinkFunc) Send(ctx context.Context, value string) sink.Result { return f(ctx, value) }

type Binding struct {
	Service string
	Key     slots.Key
	Gate    Gate
	Sink    Sink
}

type Outcome struct {
	Service    string
	Key        slots.Key
	Value      string
	Kind       slots.Kind
	Seq        uint64
	Status     sink.Status
	Reason     SkipReason
	HTTPStatus int
	Err        error
	Took       time.Duration
	At         time.Time
}

type Reporter interface {
	Report(o Outcome)
}

type ReporterFunc func(o Outcome)

func (f ReporterFunc) Report(o Outcome) { f(o) }
