package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultBind        = "0.0.0.0"
	DefaultPort        = 3030
	DefaultSinkTimeout = 10 * time.Second

	DefaultMaxDeliveries = 10000
)

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Network: NetworkConfig{Bind: DefaultBind, Port: DefaultPort},
		Relay:   RelayConfig{Enabled: true},
	}
}

// DefaultNotifier mirrors what the notifier uses when the section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         1,
		QueueSize:       128,
		RatePerSec:      5,
		DedupWindow:     "0s",
		DedupMaxEntries: 512,
		HistorySize:     100,
	}
}

func (c *Config) ListenAddr() string {
	bind := strings.TrimSpace(c.Network.Bind)
	if bind == "" {
		bind = DefaultBind
	}
	return net.JoinHostPort(bind, fmt.Sprint(c.PortOrDefault()))
}

func (c *Config) PortOrDefault() int {
	if c.Network.Port == 0 {
		return DefaultPort
	}
	return c.Network.Port
}

func (c *Config) SinkTimeout() time.Duration {
	d, err := ParseDurationOrDefault("router.sink_timeout", c.Router.SinkTimeout, DefaultSinkTimeout)
	if err != nil {
		return DefaultSinkTimeout
	}
	return d
}

// Validate checks values that cannot be caught by strict decoding.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if p := c.Network.Port; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("network.port: %d out of range", p))
	}
	if ip := strings.TrimSpace(c.Network.AdvertiseIP); ip != "" && net.ParseIP(ip) == nil {
		errs = append(errs, fmt.Errorf("network.advertise_ip: %q is not an IP address", ip))
	}
	if _, err := ParseDurationField("router.sink_timeout", c.Router.SinkTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("relay.read_timeout", c.Relay.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("relay.write_timeout", c.Relay.WriteTimeout); err != nil {
		errs = append(errs, err)
	}
	if n := c.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			errs = append(errs, err)
		}
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 {
			errs = append(errs, errors.New("notifier: workers, queue_size and rate_per_sec must be >= 0"))
		}
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off", "disabled", "file", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("storage.retention", s.Retention); err != nil {
			errs = append(errs, err)
		}
		if s.MaxDeliveries < -1 {
			errs = append(errs, errors.New("storage.max_deliveries must be >= -1"))
		}
	}
	return errors.Join(errs...)
}
