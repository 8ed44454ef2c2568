package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curses/internal/sink"
	"curses/internal/slots"
)

type recordingSink struct {
	mu     sync.Mutex
	values []string
	result sink.Result
}

func (s *recordingSink) Send(ctx context.Context, value string) sink.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, value)
	if s.result.Status == sink.StatusSkipped {
		return sink.Delivered(0, 204)
	}
	return s.result
}

func (s *recordingSink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.values...)
}

type outcomes struct {
	mu  sync.Mutex
	all []Outcome
}

func (o *outcomes) Report(out Outcome) {
	o.mu.Lock()
	o.all = append(o.all, out)
	o.mu.Unlock()
}

func (o *outcomes) list() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Outcome(nil), o.all...)
}

func flag(v bool) func() bool { return func() bool { return v } }

func setup(t *testing.T, g Gate, s Sink) (*slots.Registry, *Router, *outcomes) {
	t.Helper()
	reg := slots.NewRegistry(slots.NewCatalog())
	rep := &outcomes{}
	r := New(context.Background(), reg, WithReporter(rep))
	t.Cleanup(r.Close)
	require.NoError(t, r.Register(Binding{Service: "discord", Key: slots.KeySTT, Gate: g, Sink: s}))
	return reg, r, rep
}

func writeAndWait(t *testing.T, reg *slots.Registry, r *Router, ev slots.TextEvent) {
	t.Helper()
	_, err := reg.Write(slots.KeySTT, ev)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}

func TestGateCheckOrder(t *testing.T) {
	cases := []struct {
		name string
		gate Gate
		ev   slots.TextEvent
		want SkipReason
	}{
		{"suppressed wins over everything", Gate{Suppressed: flag(true), Enabled: flag(false)}, slots.Interim(""), SkipSuppressed},
		{"suppressed even when eligible", Gate{Suppressed: flag(true), Enabled: flag(true)}, slots.Final("hi"), SkipSuppressed},
		{"disabled", Gate{Suppressed: flag(false), Enabled: flag(false)}, slots.Final("hi"), SkipDisabled},
		{"empty", Gate{Enabled: flag(true)}, slots.Final(""), SkipEmpty},
		{"interim", Gate{Enabled: flag(true)}, slots.Interim("hi"), SkipInterim},
		{"interim allowed", Gate{Enabled: flag(true), AllowInterim: flag(true)}, slots.Interim("hi"), SkipNone},
		{"eligible", Gate{Suppressed: flag(false), Enabled: flag(true)}, slots.Final("hi"), SkipNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.gate.Check(tc.ev))
		})
	}
}

func TestSuppressedNeverDispatches(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		for _, ev := range []slots.TextEvent{slots.Final("a"), slots.Interim("b")} {
			s := &recordingSink{}
			reg, r, rep := setup(t, Gate{Suppressed: flag(true), Enabled: flag(enabled), AllowInterim: flag(true)}, s)
			writeAndWait(t, reg, r, ev)
			assert.Empty(t, s.sent())
			require.Len(t, rep.list(), 1)
			assert.Equal(t, SkipSuppressed, rep.list()[0].Reason)
		}
	}
}

func TestDisabledDoesNotDispatch(t *testing.T) {
	s := &recordingSink{}
	reg, r, rep := setup(t, Gate{Suppressed: flag(false), Enabled: flag(false)}, s)
	writeAndWait(t, reg, r, slots.Final("hello"))
	assert.Empty(t, s.sent())
	assert.Equal(t, sink.StatusSkipped, rep.list()[0].Status)
	assert.Equal(t, SkipDisabled, rep.list()[0].Reason)
}

func TestEmptyValueDoesNotDispatch(t *testing.T) {
	s := &recordingSink{}
	reg, r, rep := setup(t, Gate{Enabled: flag(true)}, s)
	writeAndWait(t, reg, r, slots.Final(""))
	assert.Empty(t, s.sent())
	assert.Equal(t, SkipEmpty, rep.list()[0].Reason)
}

func TestEligibleEventDispatchesExactlyOnce(t *testing.T) {
	s := &recordingSink{}
	reg, r, rep := setup(t, Gate{Suppressed: flag(false), Enabled: flag(true)}, s)
	writeAndWait(t, reg, r, slots.Final("hello"))
	writeAndWait(t, reg, r, slots.Final("hello"))

	assert.Equal(t, []string{"hello"}, s.sent())
	out := rep.list()
	require.Len(t, out, 1)
	assert.Equal(t, sink.StatusDelivered, out[0].Status)
	assert.Equal(t, "discord", out[0].Service)
	assert.Equal(t, slots.KeySTT, out[0].Key)
}

func TestSinkFailureIsReportedNotPropagated(t *testing.T) {
	s := &recordingSink{result: sink.Failed(errors.New("boom"), 0, 500)}
	reg, r, rep := setup(t, Gate{Enabled: flag(true)}, s)

	n, err := reg.Write(slots.KeySTT, slots.Final("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, r.Wait(context.Background()))

	out := rep.list()
	require.Len(t, out, 1)
	assert.Equal(t, sink.StatusFailed, out[0].Status)
	assert.ErrorIs(t, out[0].Err, sink.ErrDeliveryFailed)
}

func TestSinkPanicBecomesFailedOutcome(t *testing.T) {
	s := SinkFunc(func(ctx context.Context, value string) sink.Result { panic("sink exploded") })
	reg, r, rep := setup(t, Gate{Enabled: flag(true)}, s)
	writeAndWait(t, reg, r, slots.Final("hello"))

	out := rep.list()
	require.Len(t, out, 1)
	assert.Equal(t, sink.StatusFailed, out[0].Status)
	assert.ErrorIs(t, out[0].Err, ErrSinkPanic)
}

func TestGatePanicBecomesFailedOutcome(t *testing.T) {
	s := &recordingSink{}
	g := Gate{Enabled: func() bool { panic("gate exploded") }}
	reg, r, rep := setup(t, g, s)
	writeAndWait(t, reg, r, slots.Final("hello"))

	assert.Empty(t, s.sent())
	require.Len(t, rep.list(), 1)
	assert.Equal(t, sink.StatusFailed, rep.list()[0].Status)
}

func TestWriteDoesNotWaitForSink(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Bool
	s := SinkFunc(func(ctx context.Context, value string) sink.Result {
		started.Store(true)
		<-release
		return sink.Delivered(0, 204)
	})
	reg, r, _ := setup(t, Gate{Enabled: flag(true)}, s)

	done := make(chan struct{})
	go func() {
		_, _ = reg.Write(slots.KeySTT, slots.Final("hello"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write blocked on sink")
	}
	close(release)
	require.NoError(t, r.Wait(context.Background()))
	assert.True(t, started.Load())
}

func TestWaitReportsInFlightCalls(t *testing.T) {
	release := make(chan struct{})
	s := SinkFunc(func(ctx context.Context, value string) sink.Result {
		<-release
		return sink.Delivered(0, 204)
	})
	reg, r, rep := setup(t, Gate{Enabled: flag(true)}, s)

	_, err := reg.Write(slots.KeySTT, slots.Final("slow"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.InFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, r.Wait(context.Background()))
	assert.Zero(t, r.InFlight())
	assert.Len(t, rep.list(), 1)
}

func TestWaitWhileWritersDispatch(t *testing.T) {
	s := &recordingSink{}
	reg, r, _ := setup(t, Gate{Enabled: flag(true)}, s)

	const n = 2000
	writes := make(chan struct{})
	go func() {
		defer close(writes)
		for i := 0; i < n; i++ {
			_, _ = reg.Write(slots.KeySTT, slots.Final(fmt.Sprintf("line %d", i)))
		}
	}()

	waiting := true
	for waiting {
		select {
		case <-writes:
			waiting = false
		default:
			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			_ = r.Wait(ctx)
			cancel()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	assert.Len(t, s.sent(), n)
	assert.Zero(t, r.InFlight())
}

func TestSinkCallIsBounded(t *testing.T) {
	s := SinkFunc(func(ctx context.Context, value string) sink.Result {
		<-ctx.Done()
		return sink.Failed(ctx.Err(), 0, 0)
	})
	reg := slots.NewRegistry(slots.NewCatalog())
	rep := &outcomes{}
	r := New(context.Background(), reg, WithReporter(rep), WithSinkTimeout(20*time.Millisecond))
	defer r.Close()
	require.NoError(t, r.Register(Binding{Service: "discord", Key: slots.KeySTT, Gate: Gate{Enabled: flag(true)}, Sink: s}))

	writeAndWait(t, reg, r, slots.Final("hello"))
	require.Len(t, rep.list(), 1)
	assert.ErrorIs(t, rep.list()[0].Err, context.DeadlineExceeded)
}

func TestRegisterUnknownKeyRollsBack(t *testing.T) {
	reg := slots.NewRegistry(slots.NewCatalog())
	r := New(context.Background(), reg)
	defer r.Close()

	s := &recordingSink{}
	err := r.Register(
		Binding{Service: "discord", Key: slots.KeySTT, Gate: Gate{Enabled: flag(true)}, Sink: s},
		Binding{Service: "discord", Key: "postSauce", Gate: Gate{Enabled: flag(true)}, Sink: s},
	)
	require.ErrorIs(t, err, slots.ErrUnknownKey)
	assert.Empty(t, r.Bindings())

	n, err := reg.Write(slots.KeySTT, slots.Final("x"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnregister(t *testing.T) {
	s := &recordingSink{}
	reg, r, _ := setup(t, Gate{Enabled: flag(true)}, s)
	assert.Equal(t, map[string]int{"discord": 1}, r.Bindings())

	r.Unregister("discord")
	writeAndWait(t, reg, r, slots.Final("hello"))
	assert.Empty(t, s.sent())
	assert.Empty(t, r.Bindings())
}
