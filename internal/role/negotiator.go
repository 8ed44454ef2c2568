package role

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	logx "curses/pkg/logx"
)

// Options configures a Negotiator. Platform is a process-start fact and is
// never re-derived at runtime.
type Options struct {
	Platform   HostPlatform
	RequestURI string
	Bridge     Bridge
	Log        logx.Logger
}

// Negotiator resolves role, platform and transport once per process.
type Negotiator struct {
	opts Options
	log  logx.Logger

	once   sync.Once
	result Result
	err    error
}

func NewNegotiator(opts Options) *Negotiator {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Negotiator{opts: opts, log: log}
}

// Negotiate runs the negotiation on first call; later calls return the same
// result (or error) without touching the bridge again.
func (n *Negotiator) Negotiate(ctx context.Context) (Result, error) {
	n.once.Do(func() {
		n.result, n.err = n.negotiate(ctx)
	})
	return n.result, n.err
}

func (n *Negotiator) negotiate(ctx context.Context) (Result, error) {
	res := Result{
		Role:     ResolveRole(requestPath(n.opts.RequestURI)),
		Platform: n.opts.Platform,
	}
	res.Transport.Role = res.Role

	if res.Role == RoleClient && res.Platform != PlatformBrowserHosted {
		n.log.Debug("client role on native platform; transport still read from request uri")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		f, err := n.loadFeatures(gctx, res.Platform)
		if err != nil {
			return err
		}
		res.Features = f
		return nil
	})
	g.Go(func() error {
		if res.Role == RoleClient {
			ct := ParseClientTransport(n.opts.RequestURI)
			res.Transport.Client = &ct
			return nil
		}
		st, err := n.loadServerTransport(gctx)
		if err != nil {
			return err
		}
		res.Transport.Server = &st
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, ErrConfigUnavailable) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrConfigUnavailable, err)
	}

	n.log.Info("role negotiated",
		logx.String("role", res.Role.String()),
		logx.String("platform", res.Platform.String()),
		logx.Bool("background_input", res.Features.BackgroundInput),
	)
	return res, nil
}

func (n *Negotiator) loadFeatures(ctx context.Context, p HostPlatform) (NativeFeatures, error) {
	if p != PlatformNativeHost {
		return NativeFeatures{}, nil
	}
	if n.opts.Bridge == nil {
		return NativeFeatures{}, fmt.Errorf("%w: native host bridge missing", ErrConfigUnavailable)
	}
	f, err := n.opts.Bridge.QueryCapabilities(ctx)
	if err != nil {
		return NativeFeatures{}, fmt.Errorf("%w: query capabilities: %v", ErrConfigUnavailable, err)
	}
	return f, nil
}

func (n *Negotiator) loadServerTransport(ctx context.Context) (ServerTransport, error) {
	if n.opts.Bridge == nil {
		return ServerTransport{}, fmt.Errorf("%w: native host bridge missing", ErrConfigUnavailable)
	}
	info, err := n.opts.Bridge.QueryServerTransport(ctx)
	if err != nil {
		return ServerTransport{}, fmt.Errorf("%w: query server transport: %v", ErrConfigUnavailable, err)
	}
	return ServerTransport{
		ListenAddress: info.LocalIP,
		Host:          LoopbackHost,
		Port:          info.Port,
	}, nil
}
