package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curses/internal/config"
	logx "curses/pkg/logx"
)

type fakeService struct {
	name    string
	inits   int
	configs []string
	initErr error
	panics  bool
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Init(ctx context.Context, deps Deps) error {
	f.inits++
	if f.panics {
		panic("init exploded")
	}
	return f.initErr
}

func (f *fakeService) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	f.configs = append(f.configs, string(raw))
	return nil
}

func enabled(raw string) config.ServiceConfig {
	return config.ServiceConfig{Enabled: true, Config: json.RawMessage(raw)}
}

func TestManagerInitsEnabledServicesOnce(t *testing.T) {
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b"}
	m := NewManager(logx.Nop(), Deps{})
	require.NoError(t, m.Register(a, b))

	cfg := map[string]config.ServiceConfig{"a": enabled(`{"x":1}`)}
	require.NoError(t, m.Apply(context.Background(), cfg))
	require.NoError(t, m.Apply(context.Background(), cfg))

	assert.Equal(t, 1, a.inits)
	assert.Empty(t, a.configs)
	assert.Zero(t, b.inits)

	st := m.Statuses()
	assert.Equal(t, StateSubscribed, st[0].State)
	assert.Equal(t, StateUninitialized, st[1].State)
}

func TestManagerForwardsChangedConfig(t *testing.T) {
	a := &fakeService{name: "a"}
	m := NewManager(logx.Nop(), Deps{})
	require.NoError(t, m.Register(a))

	require.NoError(t, m.Apply(context.Background(), map[string]config.ServiceConfig{"a": enabled(`{"x":1}`)}))
	require.NoError(t, m.Apply(context.Background(), map[string]config.ServiceConfig{"a": enabled(`{ "x" : 1 }`)}))
	require.NoError(t, m.Apply(context.Background(), map[string]config.ServiceConfig{"a": enabled(`{"x":2}`)}))

	assert.Equal(t, []string{`{"x":2}`}, a.configs)
}

func TestManagerIsolatesFailures(t *testing.T) {
	bad := &fakeService{name: "bad", panics: true}
	failing := &fakeService{name: "failing", initErr: errors.New("no")}
	good := &fakeService{name: "good"}
	m := NewManager(logx.Nop(), Deps{})
	require.NoError(t, m.Register(bad, failing, good))

	cfg := map[string]config.ServiceConfig{"bad": enabled(``), "failing": enabled(``), "good": enabled(``)}
	err := m.Apply(context.Background(), cfg)
	require.Error(t, err)

	st := m.Statuses()
	assert.Equal(t, StateFailed, st[0].State)
	assert.Equal(t, StateFailed, st[1].State)
	assert.Equal(t, StateSubscribed, st[2].State)

	// unchanged config does not retry a failed init
	_ = m.Apply(context.Background(), cfg)
	assert.Equal(t, 1, failing.inits)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(logx.Nop(), Deps{})
	require.NoError(t, m.Register(&fakeService{name: "a"}))
	assert.Error(t, m.Register(&fakeService{name: "a"}))
}

func TestDecodeConfigKeepsDefaults(t *testing.T) {
	type cfg struct {
		Source string `json:"source"`
		Input  string `json:"input"`
	}
	def := cfg{Source: "stt", Input: "textfield"}

	got, err := DecodeConfig(json.RawMessage(`{"input": ""}`), def)
	require.NoError(t, err)
	assert.Equal(t, cfg{Source: "stt", Input: ""}, got)

	got, err = DecodeConfig(nil, def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	_, err = DecodeConfig(json.RawMessage(`{"sauce": 1}`), def)
	assert.Error(t, err)
}
