package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/websocket"

	"curses/internal/config"
	"curses/internal/eventbus"
	"curses/internal/nativehost"
	"curses/internal/notifier"
	"curses/internal/role"
	"curses/internal/router"
	"curses/internal/runtime/supervisor"
	"curses/internal/services"
	"curses/internal/services/livestatus"
	"curses/internal/slots"
	"curses/internal/storage"
	"curses/internal/transport/relay"
	logx "curses/pkg/logx"
)

const (
	relayRestartMin = 500 * time.Millisecond
	relayRestartMax = 10 * time.Second
)

type Options struct {
	ConfigPath string
	Platform   role.HostPlatform
	RequestURI string

	// Bridge answers native host queries. Nil uses nativehost with the
	// network section of the config.
	Bridge role.Bridge
	// Listener replaces listening on network.bind:port when set.
	Listener net.Listener

	Services []services.Service
}

type App struct {
	opts Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pruner    *storage.Pruner
	pruneDone chan struct{}

	reg    *slots.Registry
	status *livestatus.Board
	router *router.Router
	notif  *notifier.Service
	svcs   *services.Manager

	mu     sync.Mutex
	result role.Result
	relay  *relay.Server
	client *relay.Client
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if _, err := mapRelayTimeouts(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.Component("app"))

	bus := eventbus.New()

	var store storage.Store
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		store, err = storage.Open(sc, log.With(logx.Component("storage")))
		if err != nil {
			return nil, err
		}
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}
	var pruner *storage.Pruner
	if store != nil && sc.Retention.Enabled() {
		pruner, err = storage.NewPruner(store, sc.Retention, log.With(logx.Component("retention")))
		if err != nil {
			closeStore(store)
			return nil, err
		}
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	notif := notifier.New(ncfg, nil, log.With(logx.Component("notifier")), bus, store)

	reg := slots.NewRegistry(slots.NewCatalog(),
		slots.WithLogger(log.With(logx.Component("slots"))),
		slots.WithBus(bus),
	)
	status := livestatus.NewBoard(bus)

	rt := router.New(context.Background(), reg,
		router.WithLogger(log.With(logx.Component("router"))),
		router.WithSinkTimeout(cfg.SinkTimeout()),
		router.WithReporter(&deliveryReporter{
			log:   log.With(logx.Component("delivery")),
			bus:   bus,
			notif: notif,
			store: store,
		}),
	)

	svcs := services.NewManager(log.With(logx.Component("services")), services.Deps{
		Logger:   log,
		Registry: reg,
		Router:   rt,
		Status:   status,
		Bus:      bus,
	})
	if err := svcs.Register(opts.Services...); err != nil {
		rt.Close()
		closeStore(store)
		return nil, err
	}

	return &App{
		opts:   opts,
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		pruner: pruner,
		reg:    reg,
		status: status,
		router: rt,
		notif:  notif,
		svcs:   svcs,
	}, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Registry() *slots.Registry   { return a.reg }
func (a *App) Status() *livestatus.Board   { return a.status }
func (a *App) Notifier() *notifier.Service { return a.notif }
func (a *App) Services() *services.Manager { return a.svcs }
func (a *App) Router() *router.Router      { return a.router }
func (a *App) Bus() eventbus.Bus           { return a.bus }
func (a *App) Config() *config.Config      { return a.cfgm.Get() }
func (a *App) Store() storage.Store        { return a.store }
func (a *App) Pruner() *storage.Pruner     { return a.pruner }
func (a *App) Logger() logx.Logger         { return a.log }

// Result is the negotiated role. It is the zero value before Start.
func (a *App) Result() role.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Relay is the viewer server in the server role, nil otherwise.
func (a *App) Relay() *relay.Server {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relay
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		_, err := mapRelayTimeouts(cfg)
		return err
	})
	cfg := a.cfgm.Get()

	bridge := a.opts.Bridge
	if bridge == nil {
		bridge = nativehost.New(nativehost.Config{
			AdvertiseIP: cfg.Network.AdvertiseIP,
			Port:        cfg.PortOrDefault(),
		})
	}
	res, err := role.NewNegotiator(role.Options{
		Platform:   a.opts.Platform,
		RequestURI: a.opts.RequestURI,
		Bridge:     bridge,
		Log:        a.log.With(logx.Component("role")),
	}).Negotiate(ctx)
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("negotiate role: %w", err)
	}
	a.mu.Lock()
	a.result = res
	a.mu.Unlock()
	eventbus.PublishTo(a.bus, eventbus.TypeRoleNegotiated, res)

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.pruner != nil {
		done := make(chan struct{})
		a.pruneDone = done
		a.sup.Go("storage.retention", func(c context.Context) error {
			defer close(done)
			return a.pruner.Run(c)
		})
	}

	if res.IsServer() {
		if err := a.svcs.Apply(ctx, cfg.Services); err != nil {
			// per-service failures are isolated; the rest keep running
			a.log.Warn("some services failed to start", logx.Err(err))
		}
		if err := a.startRelayServer(cfg); err != nil {
			a.sup.Cancel()
			return err
		}
	} else {
		a.log.Info("client role; services stay idle")
		if err := a.startRelayClient(cfg, res); err != nil {
			a.sup.Cancel()
			return err
		}
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started", logx.String("role", res.Role.String()), logx.String("platform", res.Platform.String()))
	return nil
}

func (a *App) startRelayServer(cfg *config.Config) error {
	if !cfg.Relay.Enabled {
		a.log.Info("relay disabled")
		return nil
	}
	to, err := mapRelayTimeouts(cfg)
	if err != nil {
		return err
	}
	srv, err := relay.NewServer(relay.ServerOptions{
		Registry:     a.reg,
		Status:       a.status,
		Log:          a.log,
		Bus:          a.bus,
		StaticDir:    cfg.Relay.StaticDir,
		ReadTimeout:  to.read,
		WriteTimeout: to.write,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.relay = srv
	a.mu.Unlock()
	a.notif.SetToaster(notifier.Multi(notifier.LogToaster{Log: a.log.With(logx.Component("toast"))}, srv))

	ln := a.opts.Listener
	if ln == nil {
		addr := cfg.ListenAddr()
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			srv.Close()
			return fmt.Errorf("relay listen %s: %w", addr, err)
		}
	}
	a.sup.Go("relay.server", func(c context.Context) error {
		return srv.ServeListener(c, ln)
	})
	return nil
}

func (a *App) startRelayClient(cfg *config.Config, res role.Result) error {
	if res.Transport.Client == nil {
		return errors.New("client role without client transport")
	}
	to, err := mapRelayTimeouts(cfg)
	if err != nil {
		return err
	}
	opts := []relay.ClientOption{
		relay.WithClientLogger(a.log),
		relay.WithClientBus(a.bus),
		relay.WithDefaultPort(strconv.Itoa(cfg.PortOrDefault())),
	}
	if to.read > 0 {
		opts = append(opts, relay.WithReadTimeout(to.read))
	}
	dialer := *websocket.DefaultDialer
	if to.write > 0 {
		dialer.HandshakeTimeout = to.write
	}
	opts = append(opts, relay.WithDialer(&dialer))
	cl, err := relay.NewClient(*res.Transport.Client, a.reg, opts...)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.client = cl
	a.mu.Unlock()
	a.sup.GoRestart("relay.client", relayRestartMin, relayRestartMax, cl.Run)
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// slot writes are too frequent even for debug
				if e.Type == eventbus.TypeSlotWritten {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig fans a committed config out to every live component.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, changedServices := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "network", "relay", "storage":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))
	a.router.SetSinkTimeout(next.SinkTimeout())

	prevEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if len(changedServices) > 0 {
		a.log.Debug("service config changes detected", logx.Any("services", changedServices))
	}
	if a.Result().IsServer() {
		if err := a.svcs.Apply(ctx, next.Services); err != nil {
			a.log.Warn("service config not fully applied", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup == nil {
		a.router.Close()
		closeStore(a.store)
		_ = a.logs.Close()
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step runs fn with an upper bound that never extends the caller's deadline.
	step := func(name string, bound time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("bound", bound))

		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < bound {
				bound = rem
			}
		}
		if bound <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, bound)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("relay", 2*time.Second, func(context.Context) error {
		if srv := a.Relay(); srv != nil {
			srv.Close()
		}
		return nil
	})
	step("router", 3*time.Second, func(c context.Context) error {
		err := a.router.Wait(c)
		a.router.Close()
		return err
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("retention", 2*time.Second, func(c context.Context) error {
		if a.pruneDone == nil {
			return nil
		}
		select {
		case <-a.pruneDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
