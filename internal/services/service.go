// Package services hosts the outbound integrations. Each service binds
// registry keys to its sink once, then follows config reloads.
package services

import (
	"bytes"
	"context"
	"encoding/json"

	"curses/internal/eventbus"
	"curses/internal/router"
	"curses/internal/services/livestatus"
	"curses/internal/slots"
	logx "curses/pkg/logx"
)

type Service interface {
	Name() string
	// Init subscribes the service. It runs at most once successfully.
	Init(ctx context.Context, deps Deps) error
}

// Configurable services receive their raw config block on every change.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

type Deps struct {
	Logger   logx.Logger
	Registry *slots.Registry
	Router   *router.Router
	Status   livestatus.ReaderSource
	Bus      eventbus.Bus

	// Config is the service's own block at Init time.
	Config json.RawMessage
}

// DecodeConfig decodes raw over defaults, so omitted keys keep their default
// and explicit zero values win. Unknown keys are rejected.
func DecodeConfig[T any](raw json.RawMessage, defaults T) (T, error) {
	out := defaults
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return defaults, err
	}
	return out, nil
}
