package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"curses/internal/config"
	"curses/internal/eventbus"
	logx "curses/pkg/logx"
)

const callTimeout = 10 * time.Second

type State string

const (
	StateUninitialized State = "uninitialized"
	StateSubscribed    State = "subscribed"
	StateFailed        State = "failed"
)

type Status struct {
	Name    string    `json:"name"`
	State   State     `json:"state"`
	Enabled bool      `json:"enabled"`
	Err     string    `json:"err,omitempty"`
	Since   time.Time `json:"since"`
}

type stateEvent struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Err     string `json:"err,omitempty"`
}

// Manager initializes registered services and forwards config changes.
// A subscribed service stays subscribed for the life of the process;
// flipping its enabled flag afterwards only takes effect on restart.
type Manager struct {
	log  logx.Logger
	deps Deps

	mu       sync.Mutex
	reg      map[string]Service
	order    []string
	status   map[string]Status
	lastHash map[string]uint64
}

func NewManager(log logx.Logger, deps Deps) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		log:      log,
		deps:     deps,
		reg:      map[string]Service{},
		status:   map[string]Status{},
		lastHash: map[string]uint64{},
	}
}

func (m *Manager) Register(svcs ...Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range svcs {
		name := s.Name()
		if name == "" {
			return errors.New("services: empty service name")
		}
		if _, dup := m.reg[name]; dup {
			return fmt.Errorf("services: %q registered twice", name)
		}
		m.reg[name] = s
		m.order = append(m.order, name)
		m.status[name] = Status{Name: name, State: StateUninitialized, Since: time.Now()}
	}
	return nil
}

// Apply reconciles services against cfg: enabled services that are not yet
// subscribed are initialized, subscribed ones get their changed config. It
// returns the joined errors of every service that failed.
func (m *Manager) Apply(ctx context.Context, cfg map[string]config.ServiceConfig) error {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	var errs []error
	for _, name := range order {
		if err := m.applyOne(ctx, name, cfg[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) applyOne(ctx context.Context, name string, sc config.ServiceConfig) error {
	m.mu.Lock()
	svc := m.reg[name]
	st := m.status[name]
	last := m.lastHash[name]
	st.Enabled = sc.Enabled
	m.status[name] = st
	m.mu.Unlock()

	h := config.CanonicalHashJSON(sc.Config)

	if st.State != StateSubscribed {
		if !sc.Enabled {
			m.log.Debug("service disabled", logx.String("service", name))
			return nil
		}
		if st.State == StateFailed && h == last {
			return nil
		}
		return m.initOne(ctx, name, svc, sc.Config, h)
	}

	if !sc.Enabled {
		m.log.Warn("service stays subscribed until restart", logx.String("service", name))
	}
	if h == last {
		return nil
	}
	cs, ok := svc.(Configurable)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	err := m.safeCall("config."+name, func() error { return cs.OnConfigChange(cctx, sc.Config) })
	cancel()
	if err != nil {
		m.log.Error("service config rejected", logx.String("service", name), logx.Err(err))
		return fmt.Errorf("service %s: config: %w", name, err)
	}
	m.mu.Lock()
	m.lastHash[name] = h
	m.mu.Unlock()
	m.log.Info("service config applied", logx.String("service", name))
	return nil
}

func (m *Manager) initOne(ctx context.Context, name string, svc Service, raw json.RawMessage, h uint64) error {
	deps := m.deps
	deps.Config = raw
	if deps.Logger.IsZero() {
		deps.Logger = m.log
	}
	deps.Logger = deps.Logger.With(logx.String("service", name))

	start := time.Now()
	ictx, cancel := context.WithTimeout(ctx, callTimeout)
	err := m.safeCall("init."+name, func() error { return svc.Init(ictx, deps) })
	cancel()

	m.mu.Lock()
	m.lastHash[name] = h
	st := m.status[name]
	st.Since = time.Now()
	if err != nil {
		st.State = StateFailed
		st.Err = err.Error()
	} else {
		st.State = StateSubscribed
		st.Err = ""
	}
	m.status[name] = st
	m.mu.Unlock()

	eventbus.PublishTo(m.deps.Bus, eventbus.TypeServiceState, stateEvent{Service: name, State: string(st.State), Err: st.Err})
	if err != nil {
		m.log.Error("service init failed", logx.String("service", name), logx.Err(err))
		return fmt.Errorf("service %s: init: %w", name, err)
	}
	m.log.Info("service subscribed", logx.String("service", name), logx.Duration("took", time.Since(start)))
	return nil
}

func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.status[name])
	}
	return out
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in service call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}
