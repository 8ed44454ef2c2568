// Package discord posts finished captions to a Discord channel webhook.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"curses/internal/config"
	"curses/internal/router"
	"curses/internal/services"
	"curses/internal/services/livestatus"
	"curses/internal/sink/webhook"
	"curses/internal/slots"
	logx "curses/pkg/logx"
)

const (
	Name = "discord"
	// TwitchService names the live-status cell consulted by post_with_twitch_live.
	TwitchService = "twitch"
)

type Config struct {
	PostEnable         bool   `json:"post_enable"`
	PostWithTwitchLive bool   `json:"post_with_twitch_live"`
	PostSource         string `json:"post_source"`
	// PostInput is the typed-text key; empty disables that binding.
	PostInput        string  `json:"post_input"`
	PostInterim      bool    `json:"post_interim"`
	ChannelHook      string  `json:"channel_hook"`
	ChannelBotName   string  `json:"channel_bot_name"`
	ChannelAvatarURL string  `json:"channel_avatar_url"`
	Timeout          string  `json:"timeout,omitempty"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		PostSource: string(slots.KeySTT),
		PostInput:  string(slots.KeyTextField),
	}
}

func (c Config) webhook() (webhook.Config, error) {
	d, err := config.ParseDurationOrDefault("services.discord.timeout", c.Timeout, webhook.DefaultTimeout)
	if err != nil {
		return webhook.Config{}, err
	}
	return webhook.Config{
		URL:        c.ChannelHook,
		Username:   c.ChannelBotName,
		AvatarURL:  c.ChannelAvatarURL,
		Timeout:    d,
		RatePerSec: c.RatePerSec,
	}, nil
}

func (c Config) keys() []slots.Key {
	out := []slots.Key{slots.Key(strings.TrimSpace(c.PostSource))}
	if in := strings.TrimSpace(c.PostInput); in != "" && in != strings.TrimSpace(c.PostSource) {
		out = append(out, slots.Key(in))
	}
	return out
}

type Service struct {
	log    logx.Logger
	reg    *slots.Registry
	router *router.Router
	twitch livestatus.Reader
	client *webhook.Client

	cfg atomic.Pointer[Config]

	// bindMu serializes config application.
	bindMu sync.Mutex
	bound  []slots.Key
}

func New() *Service { return &Service{} }

func (s *Service) Name() string { return Name }

func (s *Service) Init(ctx context.Context, deps services.Deps) error {
	if deps.Registry == nil || deps.Router == nil {
		return errors.New("discord: registry and router are required")
	}
	cfg, err := services.DecodeConfig(deps.Config, DefaultConfig())
	if err != nil {
		return fmt.Errorf("discord: decode config: %w", err)
	}
	if err := s.validate(cfg, deps.Registry); err != nil {
		return err
	}
	whc, err := cfg.webhook()
	if err != nil {
		return err
	}

	s.log = deps.Logger
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.reg = deps.Registry
	s.router = deps.Router
	if deps.Status != nil {
		s.twitch = deps.Status.Reader(TwitchService)
	}
	s.client = webhook.New(whc, webhook.WithLogger(s.log))

	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	s.cfg.Store(&cfg)
	return s.bindLocked(cfg)
}

// OnConfigChange swaps the config. Bindings are rebuilt only when the
// source or input key changed.
func (s *Service) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	cfg, err := services.DecodeConfig(raw, DefaultConfig())
	if err != nil {
		return fmt.Errorf("discord: decode config: %w", err)
	}
	if err := s.validate(cfg, s.reg); err != nil {
		return err
	}
	whc, err := cfg.webhook()
	if err != nil {
		return err
	}

	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	s.client.Apply(whc)
	prev := s.cfg.Swap(&cfg)
	if prev != nil && equalKeys(prev.keys(), cfg.keys()) {
		return nil
	}
	s.router.Unregister(Name)
	if err := s.bindLocked(cfg); err != nil {
		// restore the previous bindings so the service keeps posting
		s.cfg.Store(prev)
		if prev != nil {
			_ = s.bindLocked(*prev)
		}
		return err
	}
	return nil
}

func (s *Service) validate(cfg Config, reg *slots.Registry) error {
	if strings.TrimSpace(cfg.PostSource) == "" {
		return errors.New("discord: post_source must not be empty")
	}
	if reg == nil {
		return nil
	}
	for _, k := range cfg.keys() {
		if err := reg.Catalog().Validate(k); err != nil {
			return fmt.Errorf("discord: %w", err)
		}
	}
	return nil
}

func (s *Service) bindLocked(cfg Config) error {
	gate := router.Gate{
		Suppressed:   s.suppressed,
		Enabled:      func() bool { return s.current().PostEnable },
		AllowInterim: func() bool { return s.current().PostInterim },
	}
	keys := cfg.keys()
	bindings := make([]router.Binding, 0, len(keys))
	for _, k := range keys {
		bindings = append(bindings, router.Binding{Service: Name, Key: k, Gate: gate, Sink: s.client})
	}
	if err := s.router.Register(bindings...); err != nil {
		return err
	}
	s.bound = keys
	s.log.Debug("discord bound", logx.Any("keys", keys))
	return nil
}

func (s *Service) current() Config {
	if c := s.cfg.Load(); c != nil {
		return *c
	}
	return DefaultConfig()
}

// suppressed holds while posting is tied to a live stream that is not connected.
func (s *Service) suppressed() bool {
	if !s.current().PostWithTwitchLive {
		return false
	}
	return s.twitch == nil || s.twitch.State() != livestatus.Connected
}

// Bound returns the keys currently bound.
func (s *Service) Bound() []slots.Key {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	return append([]slots.Key(nil), s.bound...)
}

func equalKeys(a, b []slots.Key) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
