package app

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env carries process-start facts supplied by the host that launches curses.
// Command-line flags override these.
type Env struct {
	ConfigPath string `env:"CURSES_CONFIG"`
	// Platform is "native" or "browser".
	Platform   string `env:"CURSES_PLATFORM" envDefault:"native"`
	RequestURI string `env:"CURSES_REQUEST_URI"`
}

func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}
