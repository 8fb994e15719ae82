package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the defaults documented on each section.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Backoff   BackoffConfig   `json:"backoff"`
	Catalog   CatalogConfig   `json:"catalog"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Storage   StorageConfig   `json:"storage"`
	History   HistoryConfig   `json:"history"`
	Notify    *NotifyConfig   `json:"notify,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"` // stderr as JSON lines
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the cycle loop.
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - max_interval: "1h"
//   - concurrency: batch size
//   - dispatch_timeout: "10m"
//   - shutdown_grace: "30s"
//   - max_per_cycle: unset (the stored setting wins)
type SchedulerConfig struct {
	Interval        string `json:"interval"`
	MaxInterval     string `json:"max_interval,omitempty"`
	Concurrency     int    `json:"concurrency,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	ShutdownGrace   string `json:"shutdown_grace,omitempty"`

	// MaxPerCycle overrides the persisted maxExecutionsPerCycle at startup.
	// Pointer so an explicit 0 (dry cycles) is distinguishable from omitted.
	MaxPerCycle *int `json:"max_per_cycle,omitempty"`
}

// BackoffConfig maps onto backoff.Policy. Defaults: 3 retries, 1s base,
// 60s cap, multiplier 2.
type BackoffConfig struct {
	MaxRetries *int    `json:"max_retries,omitempty"`
	BaseDelay  string  `json:"base_delay,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
}

// CatalogConfig selects where routines come from.
//
// Example:
//
//	"catalog": { "driver": "http", "url": "https://example.org/api", "token": "..." }
//	"catalog": { "driver": "file", "path": "./routines.yaml" }
type CatalogConfig struct {
	Driver     string `json:"driver"`
	URL        string `json:"url,omitempty"`
	Token      string `json:"token,omitempty"` // bearer token (do not log)
	Path       string `json:"path,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// PipelineConfig configures the generation command run for each routine.
type PipelineConfig struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// DedupHints is how many recent outcome messages are passed along.
	DedupHints int `json:"dedup_hints,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./.routined" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HistoryConfig controls outcome history retention.
type HistoryConfig struct {
	Retention  string `json:"retention,omitempty"`   // default "720h"
	MaxRecords int    `json:"max_records,omitempty"` // default 5000
	// PruneSchedule accepts cron, duration ("6h") or daily HH:MM.
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// NotifyConfig controls optional Telegram notifications.
type NotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"` // do not log
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// OnFailure sends one message per failed dispatch.
	OnFailure bool `json:"on_failure"`
	// OnBackoff sends a message when the cadence is stretched.
	OnBackoff bool `json:"on_backoff"`
}

// DebugConfig controls the optional status/pprof HTTP listener. It is off
// while Addr is empty.
//
// Example:
//
//	"debug": { "addr": "127.0.0.1:6060" }
type DebugConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"` // bearer token (do not log)
	// AllowInsecure permits a non-loopback Addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}
