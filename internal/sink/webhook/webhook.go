// Package webhook posts caption text to a chat webhook endpoint using the
// Discord execute-webhook body shape.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"curses/internal/sink"
	logx "curses/pkg/logx"
)

const (
	DefaultUsername = "Curses"
	DefaultTimeout  = 10 * time.Second

	maxErrorBody = 512
)

type Config struct {
	URL        string
	Username   string
	AvatarURL  string
	Timeout    time.Duration
	RatePerSec float64
}

func (c Config) normalize() Config {
	c.URL = strings.TrimSpace(c.URL)
	if strings.TrimSpace(c.Username) == "" {
		c.Username = DefaultUsername
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	return c
}

// Payload is the JSON body of one post.
type Payload struct {
	Content     string            `json:"content"`
	Embeds      []json.RawMessage `json:"embeds"`
	Username    string            `json:"username"`
	AvatarURL   string            `json:"avatar_url"`
	Attachments []json.RawMessage `json:"attachments"`
}

func NewPayload(cfg Config, content string) Payload {
	cfg = cfg.normalize()
	return Payload{
		Content:     content,
		Username:    cfg.Username,
		AvatarURL:   cfg.AvatarURL,
		Attachments: []json.RawMessage{},
	}
}

type state struct {
	cfg     Config
	limiter *rate.Limiter
}

type Client struct {
	http *http.Client
	log  logx.Logger
	st   atomic.Pointer[state]
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithLogger(log logx.Logger) Option     { return func(c *Client) { c.log = log } }

func New(cfg Config, opts ...Option) *Client {
	c := &Client{http: &http.Client{}}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.Apply(cfg)
	return c
}

// Apply swaps the configuration used by subsequent sends.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.normalize()
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	if prev := c.st.Load(); prev != nil && prev.cfg.RatePerSec == cfg.RatePerSec {
		lim = prev.limiter
	}
	c.st.Store(&state{cfg: cfg, limiter: lim})
}

func (c *Client) Config() Config { return c.st.Load().cfg }

// Send posts value once. An empty URL reports StatusDisabled without any
// network activity. Failures are never retried.
func (c *Client) Send(ctx context.Context, value string) sink.Result {
	st := c.st.Load()
	if st.cfg.URL == "" {
		return sink.Disabled()
	}
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, st.cfg.Timeout)
	defer cancel()

	if err := st.limiter.Wait(ctx); err != nil {
		return sink.Failed(fmt.Errorf("rate limit: %w", err), time.Since(start), 0)
	}

	body, err := json.Marshal(NewPayload(st.cfg, value))
	if err != nil {
		return sink.Failed(fmt.Errorf("marshal payload: %w", err), time.Since(start), 0)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return sink.Failed(fmt.Errorf("create request: %w", err), time.Since(start), 0)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return sink.Failed(fmt.Errorf("send request: %w", err), time.Since(start), 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Debug("webhook rejected post",
			logx.Int("status", resp.StatusCode),
			logx.String("body", strings.TrimSpace(string(msg))),
		)
		return sink.Failed(fmt.Errorf("unexpected status %d", resp.StatusCode), time.Since(start), resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return sink.Delivered(time.Since(start), resp.StatusCode)
}
