package app

import (
	"fmt"
	"strings"
	"time"

	"curses/internal/config"
	"curses/internal/notifier"
	"curses/internal/storage"
	logx "curses/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false, nil
	}
	ret, err := mapRetention(sc)
	if err != nil {
		return storage.Config{}, false, err
	}
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(sc.Path), Retention: ret}, true, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: ret}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRetention(sc *config.StorageConfig) (storage.Retention, error) {
	age, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Retention{}, err
	}
	count := sc.MaxDeliveries
	switch {
	case count == 0:
		count = config.DefaultMaxDeliveries
	case count < 0:
		count = 0
	}
	if err := storage.ValidateSchedule(sc.PruneSchedule); err != nil {
		return storage.Retention{}, fmt.Errorf("storage.prune_schedule: %w", err)
	}
	return storage.Retention{MaxAge: age, MaxCount: count, Schedule: strings.TrimSpace(sc.PruneSchedule)}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg != nil && cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	def := config.DefaultNotifier()
	if nc.Workers == 0 {
		nc.Workers = def.Workers
	}
	if nc.QueueSize == 0 {
		nc.QueueSize = def.QueueSize
	}
	if nc.DedupMaxEntries == 0 {
		nc.DedupMaxEntries = def.DedupMaxEntries
	}
	if nc.HistorySize == 0 {
		nc.HistorySize = def.HistorySize
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size and rate_per_sec must be >= 0")
	}
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		DedupWindow:     window,
		DedupMaxEntries: nc.DedupMaxEntries,
		HistorySize:     nc.HistorySize,
		PersistDedup:    nc.PersistDedup,
	}, nil
}

type relayTimeouts struct {
	read, write time.Duration
}

func mapRelayTimeouts(cfg *config.Config) (relayTimeouts, error) {
	var out relayTimeouts
	var err error
	if out.read, err = config.ParseDurationField("relay.read_timeout", cfg.Relay.ReadTimeout); err != nil {
		return relayTimeouts{}, err
	}
	if out.write, err = config.ParseDurationField("relay.write_timeout", cfg.Relay.WriteTimeout); err != nil {
		return relayTimeouts{}, err
	}
	return out, nil
}
