package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"curses/internal/sink"
	"curses/internal/slots"
	logx "curses/pkg/logx"
)

type Router struct {
	reg      *slots.Registry
	log      logx.Logger
	reporter Reporter
	timeout  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	// fmu guards the in-flight count. idle is closed while it is zero.
	fmu      sync.Mutex
	inflight int
	idle     chan struct{}

	mu   sync.Mutex
	subs map[string][]slots.Subscription
}

type Option func(*Router)

func WithLogger(log logx.Logger) Option { return func(r *Router) { r.log = log } }
func WithReporter(rep Reporter) Option  { return func(r *Router) { r.reporter = rep } }
func WithSinkTimeout(d time.Duration) Option {
	return func(r *Router) { r.SetSinkTimeout(d) }
}

// New returns a router over reg. Sink calls derive from ctx and are
// cancelled by Close.
func New(ctx context.Context, reg *slots.Registry, opts ...Option) *Router {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Router{reg: reg, subs: map[string][]slots.Subscription{}, idle: make(chan struct{})}
	close(r.idle)
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.timeout.Store(int64(DefaultSinkTimeout))
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if r.reporter == nil {
		r.reporter = ReporterFunc(func(Outcome) {})
	}
	return r
}

// SetSinkTimeout bounds each sink call. Non-positive values restore the default.
func (r *Router) SetSinkTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultSinkTimeout
	}
	r.timeout.Store(int64(d))
}

// Register subscribes every binding. On error nothing from this call stays
// registered.
func (r *Router) Register(bindings ...Binding) error {
	var done []slots.Subscription
	rollback := func() {
		for _, s := range done {
			r.reg.Unsubscribe(s)
		}
	}
	for _, b := range bindings {
		if b.Service == "" {
			rollback()
			return fmt.Errorf("router: binding for %q has no service name", string(b.Key))
		}
		if b.Sink == nil {
			rollback()
			return fmt.Errorf("router: binding %s/%s has no sink", b.Service, string(b.Key))
		}
		b := b
		sub, err := r.reg.Subscribe(b.Key, func(ev slots.TextEvent) { r.handle(b, ev) })
		if err != nil {
			rollback()
			return fmt.Errorf("router: bind %s: %w", b.Service, err)
		}
		done = append(done, sub)
	}

	r.mu.Lock()
	for i, b := range bindings {
		r.subs[b.Service] = append(r.subs[b.Service], done[i])
	}
	r.mu.Unlock()
	for _, b := range bindings {
		r.log.Debug("binding registered", logx.String("service", b.Service), logx.String("key", string(b.Key)))
	}
	return nil
}

// Unregister drops every binding of service. In-flight sink calls finish.
func (r *Router) Unregister(service string) {
	r.mu.Lock()
	subs := r.subs[service]
	delete(r.subs, service)
	r.mu.Unlock()
	for _, s := range subs {
		r.reg.Unsubscribe(s)
	}
}

// Bindings returns the number of live bindings per service.
func (r *Router) Bindings() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.subs))
	for k, v := range r.subs {
		out[k] = len(v)
	}
	return out
}

// Wait blocks until no sink call is in flight or ctx ends. Writers may keep
// dispatching while Wait runs.
func (r *Router) Wait(ctx context.Context) error {
	r.fmu.Lock()
	idle := r.idle
	r.fmu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of sink calls currently running.
func (r *Router) InFlight() int {
	r.fmu.Lock()
	defer r.fmu.Unlock()
	return r.inflight
}

func (r *Router) begin() bool {
	r.fmu.Lock()
	defer r.fmu.Unlock()
	if r.ctx.Err() != nil {
		return false
	}
	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
	return true
}

func (r *Router) end() {
	r.fmu.Lock()
	defer r.fmu.Unlock()
	r.inflight--
	if r.inflight == 0 {
		close(r.idle)
	}
}

// Close unregisters everything and cancels in-flight sink calls.
func (r *Router) Close() {
	r.mu.Lock()
	all := r.subs
	r.subs = map[string][]slots.Subscription{}
	r.mu.Unlock()
	for _, subs := range all {
		for _, s := range subs {
			r.reg.Unsubscribe(s)
		}
	}
	r.cancel()
}

func (r *Router) handle(b Binding, ev slots.TextEvent) {
	base := Outcome{Service: b.Service, Key: b.Key, Value: ev.Value, Kind: ev.Kind, Seq: ev.Seq}

	reason, err := r.check(b.Gate, ev)
	if err != nil {
		base.Status = sink.StatusFailed
		base.Err = err
		base.At = time.Now()
		r.report(base)
		return
	}
	if reason != SkipNone {
		base.Status = sink.StatusSkipped
		base.Reason = reason
		base.At = time.Now()
		r.log.Trace("event skipped",
			logx.String("service", b.Service),
			logx.String("key", string(b.Key)),
			logx.String("reason", reason.String()),
		)
		r.report(base)
		return
	}

	if !r.begin() {
		return
	}
	go func() {
		defer r.end()
		res := r.send(b, ev.Value)
		o := base
		o.Status = res.Status
		o.HTTPStatus = res.HTTPStatus
		o.Err = res.Err
		o.Took = res.Took
		o.At = time.Now()
		r.report(o)
	}()
}

func (r *Router) check(g Gate, ev slots.TextEvent) (reason SkipReason, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("gate panicked", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("gate panicked: %v", p)
		}
	}()
	return g.Check(ev), nil
}

func (r *Router) send(b Binding, value string) (res sink.Result) {
	ctx, cancel := context.WithTimeout(r.ctx, time.Duration(r.timeout.Load()))
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("sink panicked",
				logx.String("service", b.Service),
				logx.Any("panic", p),
				logx.String("stack", string(debug.Stack())),
			)
			res = sink.Failed(fmt.Errorf("%w: %v", ErrSinkPanic, p), 0, 0)
		}
	}()
	return b.Sink.Send(ctx, value)
}

func (r *Router) report(o Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("outcome reporter panicked", logx.Any("panic", p))
		}
	}()
	r.reporter.Report(o)
}
