package config

import (
	"reflect"
	"strings"

	logx "routined/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
			logx.String("scheduler.max_interval", strings.TrimSpace(newCfg.Scheduler.MaxInterval)),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
			logx.String("scheduler.dispatch_timeout", strings.TrimSpace(newCfg.Scheduler.DispatchTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Backoff, newCfg.Backoff) {
		changed = append(changed, "backoff")
		attrs = append(attrs,
			logx.String("backoff.base_delay", strings.TrimSpace(newCfg.Backoff.BaseDelay)),
			logx.String("backoff.max_delay", strings.TrimSpace(newCfg.Backoff.MaxDelay)),
		)
	}

	// Catalog (never log token)
	if oldCfg.Catalog.Driver != newCfg.Catalog.Driver ||
		oldCfg.Catalog.URL != newCfg.Catalog.URL ||
		oldCfg.Catalog.Path != newCfg.Catalog.Path ||
		oldCfg.Catalog.Timeout != newCfg.Catalog.Timeout ||
		oldCfg.Catalog.RatePerSec != newCfg.Catalog.RatePerSec ||
		oldCfg.Catalog.Token != newCfg.Catalog.Token {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.driver", newCfg.Catalog.Driver),
			logx.Bool("catalog.token_set", strings.TrimSpace(newCfg.Catalog.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		attrs = append(attrs, logx.Int("pipeline.argc", len(newCfg.Pipeline.Command)))
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if !reflect.DeepEqual(oldCfg.History, newCfg.History) {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.retention", newCfg.History.Retention),
			logx.String("history.prune_schedule", newCfg.History.PruneSchedule),
		)
	}

	// Notify (never log token)
	on, nn := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if !reflect.DeepEqual(on, nn) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nn.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nn.Token) != ""),
			logx.Int("notify.rate_per_sec", nn.RatePerSec),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Catalog, newCfg.Catalog) {
		out = append(out, "catalog")
	}
	if !reflect.DeepEqual(oldCfg.Pipeline.Command, newCfg.Pipeline.Command) ||
		oldCfg.Pipeline.Dir != newCfg.Pipeline.Dir ||
		!reflect.DeepEqual(oldCfg.Pipeline.Env, newCfg.Pipeline.Env) {
		out = append(out, "pipeline")
	}
	if !reflect.DeepEqual(oldCfg.Backoff, newCfg.Backoff) {
		out = append(out, "backoff")
	}
	on, nn := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if on.Token != nn.Token || on.ChatID != nn.ChatID || on.ThreadID != nn.ThreadID {
		out = append(out, "notify")
	}
	if oldCfg.Debug != newCfg.Debug {
		out = append(out, "debug")
	}
	return out
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}
