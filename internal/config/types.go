package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Network NetworkConfig `json:"network"`
	Router  RouterConfig  `json:"router"`
	Relay   RelayConfig   `json:"relay"`

	Notifier *NotifierConfig          `json:"notifier,omitempty"`
	Storage  *StorageConfig           `json:"storage,omitempty"`
	Services map[string]ServiceConfig `json:"services"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NetworkConfig describes where the server role listens and what address it
// advertises to clients.
//
// Defaults: bind "0.0.0.0", port 3030. AdvertiseIP empty means the first
// non-loopback IPv4 address of the host.
type NetworkConfig struct {
	Bind        string `json:"bind,omitempty"`
	Port        int    `json:"port,omitempty"`
	AdvertiseIP string `json:"advertise_ip,omitempty"`
}

type RouterConfig struct {
	// SinkTimeout bounds every outbound sink call (Go duration string, default "10s").
	SinkTimeout string `json:"sink_timeout,omitempty"`
}

// RelayConfig controls the websocket relay served in the server role.
//
// Example:
//
//	"relay": { "enabled": true, "static_dir": "./dist" }
type RelayConfig struct {
	Enabled      bool   `json:"enabled"`
	StaticDir    string `json:"static_dir,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// NotifierConfig controls the toast pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	HistorySize     int    `json:"history_size,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional delivery audit store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./curses.db", "retention": "720h" }
//
// MaxDeliveries 0 means DefaultMaxDeliveries; -1 keeps every record.
// PruneSchedule is a cron spec (default "@hourly").
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite only
	Retention     string `json:"retention,omitempty"`
	MaxDeliveries int    `json:"max_deliveries,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// ServiceConfig is the per-service block under "services". Config is decoded
// by the service itself.
type ServiceConfig struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON rejects unknown keys so typos surface on reload.
func (p *ServiceConfig) UnmarshalJSON(b []byte) error {
	type plain struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t plain
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = ServiceConfig{Enabled: t.Enabled, Config: t.Config}
	return nil
}
