package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"curses/internal/eventbus"
	"curses/internal/role"
	"curses/internal/slots"
	logx "curses/pkg/logx"
)

const DefaultPort = "3030"

var ErrConnectionLost = errors.New("relay: connection lost")

type ClientOption func(*Client)

func WithClientLogger(log logx.Logger) ClientOption { return func(c *Client) { c.log = log } }
func WithClientBus(bus eventbus.Bus) ClientOption   { return func(c *Client) { c.bus = bus } }
func WithDialer(d *websocket.Dialer) ClientOption   { return func(c *Client) { c.dialer = d } }
func WithDefaultPort(p string) ClientOption         { return func(c *Client) { c.defaultPort = p } }
func WithReadTimeout(d time.Duration) ClientOption  { return func(c *Client) { c.readTimeout = d } }

// Client mirrors the server's text frames into a local registry.
type Client struct {
	target      role.ClientTransport
	reg         *slots.Registry
	log         logx.Logger
	bus         eventbus.Bus
	dialer      *websocket.Dialer
	defaultPort string
	readTimeout time.Duration
}

func NewClient(target role.ClientTransport, reg *slots.Registry, opts ...ClientOption) (*Client, error) {
	if reg == nil {
		return nil, errors.New("relay: registry is required")
	}
	c := &Client{
		target:      target,
		reg:         reg,
		log:         logx.Nop(),
		dialer:      websocket.DefaultDialer,
		defaultPort: DefaultPort,
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With(logx.Component("relay-client"))
	return c, nil
}

// URL is the websocket endpoint the client dials.
func (c *Client) URL() string {
	host := c.target.Host
	if host == "" {
		host = role.LoopbackHost
	}
	port := c.target.Port
	if port == "" {
		port = c.defaultPort
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: "/ws"}
	q := url.Values{}
	q.Set("id", c.target.SessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Run holds one connection. It returns nil when ctx ends and an error when the
// connection drops, so callers can restart it with backoff.
func (c *Client) Run(ctx context.Context) error {
	addr := c.URL()
	conn, resp, err := c.dialer.DialContext(ctx, addr, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay dial %s: %w", addr, err)
	}
	c.log.Info("relay connected", logx.String("url", addr))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(DefaultWriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("relay connection lost", logx.Err(err))
			return fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("relay frame malformed", logx.Err(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg Message) {
	switch msg.Type {
	case TypeText:
		k, ev, err := msg.event()
		if err == nil {
			_, err = c.reg.Write(k, ev)
		}
		if err != nil {
			c.log.Debug("relay text rejected", logx.String("key", msg.Key), logx.Err(err))
		}
	case TypeHello:
		c.log.Debug("relay session", logx.String("session", msg.Session))
	case TypeToast:
		c.log.Info("relay toast", logx.String("level", msg.Level), logx.String("source", msg.Source), logx.String("text", msg.Text))
		eventbus.PublishTo(c.bus, eventbus.TypeToastShown, msg)
	}
}
