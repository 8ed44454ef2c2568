package config

import (
	"reflect"
	"sort"
	"strings"

	logx "curses/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, log-safe attributes
// describing them and the names of services whose block changed. Webhook
// URLs live inside service config and are never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Network, newCfg.Network) {
		changed = append(changed, "network")
		attrs = append(attrs,
			logx.String("network.bind", strings.TrimSpace(newCfg.Network.Bind)),
			logx.Int("network.port", newCfg.Network.Port),
			logx.Bool("network.advertise_ip_set", strings.TrimSpace(newCfg.Network.AdvertiseIP) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Router.SinkTimeout) != strings.TrimSpace(newCfg.Router.SinkTimeout) {
		changed = append(changed, "router")
		attrs = append(attrs, logx.String("router.sink_timeout", strings.TrimSpace(newCfg.Router.SinkTimeout)))
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.enabled", newCfg.Relay.Enabled),
			logx.Bool("relay.static_dir_set", strings.TrimSpace(newCfg.Relay.StaticDir) != ""),
		)
	}

	def := DefaultNotifier()
	oldN, newN := &def, &def
	if oldCfg.Notifier != nil {
		oldN = oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = newCfg.Notifier
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		strings.TrimSpace(oldS.Retention) != strings.TrimSpace(newS.Retention) ||
		oldS.MaxDeliveries != newS.MaxDeliveries ||
		strings.TrimSpace(oldS.PruneSchedule) != strings.TrimSpace(newS.PruneSchedule) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	services := diffServices(oldCfg.Services, newCfg.Services)
	if len(services) > 0 {
		changed = append(changed, "services")
		attrs = append(attrs,
			logx.Int("services.changed_count", len(services)),
			logx.Int("services.enabled_count", countEnabled(newCfg.Services)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, services
}

func countEnabled(m map[string]ServiceConfig) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffServices(oldM, newM map[string]ServiceConfig) []string {
	names := map[string]struct{}{}
	for k := range oldM {
		names[k] = struct{}{}
	}
	for k := range newM {
		names[k] = struct{}{}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || CanonicalHashJSON(o.Config) != CanonicalHashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
