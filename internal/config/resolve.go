package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

const (
	DefaultInterval        = 60 * time.Second
	DefaultMaxInterval     = time.Hour
	DefaultDispatchTimeout = 10 * time.Minute
	DefaultShutdownGrace   = 30 * time.Second
	DefaultCatalogTimeout  = 30 * time.Second
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultMaxRecords      = 5000
	DefaultPruneSchedule   = "6h"
	DefaultDedupHints      = 5
	DefaultStorageDir      = "./.routined"
)

// Resolved holds the parsed durations and effective defaults of a Config.
// Build it with Resolve; the zero value is not meaningful.
type Resolved struct {
	Interval        time.Duration
	MaxInterval     time.Duration
	Concurrency     int
	DispatchTimeout time.Duration
	ShutdownGrace   time.Duration
	MaxPerCycle     *int

	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64

	CatalogTimeout time.Duration
	BusyTimeout    time.Duration

	Retention     time.Duration
	MaxRecords    int
	PruneSchedule string
	DedupHints    int
}

var ErrInvalidConfig = errors.New("invalid config")

// Resolve validates cfg and fills defaults. Errors wrap ErrInvalidConfig and
// name the offending field.
func (c *Config) Resolve() (Resolved, error) {
	var r Resolved
	if c == nil {
		c = &Config{}
	}
	var err error
	invalid := func(e error) (Resolved, error) {
		return Resolved{}, fmt.Errorf("%w: %v", ErrInvalidConfig, e)
	}

	if r.Interval, err = ParseDurationOrDefault("scheduler.interval", c.Scheduler.Interval, DefaultInterval); err != nil {
		return invalid(err)
	}
	if r.MaxInterval, err = ParseDurationOrDefault("scheduler.max_interval", c.Scheduler.MaxInterval, DefaultMaxInterval); err != nil {
		return invalid(err)
	}
	if r.MaxInterval < r.Interval {
		r.MaxInterval = r.Interval
	}
	if c.Scheduler.Concurrency < 0 {
		return invalid(errors.New("scheduler.concurrency must be >= 0"))
	}
	r.Concurrency = c.Scheduler.Concurrency
	if r.DispatchTimeout, err = ParseDurationOrDefault("scheduler.dispatch_timeout", c.Scheduler.DispatchTimeout, DefaultDispatchTimeout); err != nil {
		return invalid(err)
	}
	if r.ShutdownGrace, err = ParseDurationOrDefault("scheduler.shutdown_grace", c.Scheduler.ShutdownGrace, DefaultShutdownGrace); err != nil {
		return invalid(err)
	}
	if mp := c.Scheduler.MaxPerCycle; mp != nil {
		if *mp < 0 {
			return invalid(errors.New("scheduler.max_per_cycle must be >= 0"))
		}
		v := *mp
		r.MaxPerCycle = &v
	}

	r.MaxRetries = 3
	if c.Backoff.MaxRetries != nil {
		if *c.Backoff.MaxRetries < 0 {
			return invalid(errors.New("backoff.max_retries must be >= 0"))
		}
		r.MaxRetries = *c.Backoff.MaxRetries
	}
	if r.BaseDelay, err = ParseDurationOrDefault("backoff.base_delay", c.Backoff.BaseDelay, time.Second); err != nil {
		return invalid(err)
	}
	if r.MaxDelay, err = ParseDurationOrDefault("backoff.max_delay", c.Backoff.MaxDelay, 60*time.Second); err != nil {
		return invalid(err)
	}
	r.Multiplier = c.Backoff.Multiplier
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}
	if r.Multiplier < 1 {
		return invalid(errors.New("backoff.multiplier must be >= 1"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Catalog.Driver)) {
	case "http":
		if strings.TrimSpace(c.Catalog.URL) == "" {
			return invalid(errors.New("catalog.url is required for driver http"))
		}
	case "file":
		if strings.TrimSpace(c.Catalog.Path) == "" {
			return invalid(errors.New("catalog.path is required for driver file"))
		}
	case "":
	default:
		return invalid(fmt.Errorf("catalog.driver %q is not supported (use http or file)", c.Catalog.Driver))
	}
	if r.CatalogTimeout, err = ParseDurationOrDefault("catalog.timeout", c.Catalog.Timeout, DefaultCatalogTimeout); err != nil {
		return invalid(err)
	}
	if c.Catalog.RatePerSec < 0 {
		return invalid(errors.New("catalog.rate_per_sec must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite":
	default:
		return invalid(fmt.Errorf("storage.driver %q is not supported (use file or sqlite)", c.Storage.Driver))
	}
	if r.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return invalid(err)
	}

	if r.Retention, err = ParseDurationOrDefault("history.retention", c.History.Retention, DefaultRetention); err != nil {
		return invalid(err)
	}
	r.MaxRecords = c.History.MaxRecords
	if r.MaxRecords <= 0 {
		r.MaxRecords = DefaultMaxRecords
	}
	r.PruneSchedule = strings.TrimSpace(c.History.PruneSchedule)
	if r.PruneSchedule == "" {
		r.PruneSchedule = DefaultPruneSchedule
	}

	r.DedupHints = c.Pipeline.DedupHints
	if r.DedupHints <= 0 {
		r.DedupHints = DefaultDedupHints
	}

	if n := c.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" || n.ChatID == 0 {
			return invalid(errors.New("notify.token and notify.chat_id are required when notify is enabled"))
		}
	}
	return r, nil
}

// StorageDir returns the configured storage directory or the default.
func (c *Config) StorageDir() string {
	if c != nil {
		if p := strings.TrimSpace(c.Storage.Path); p != "" {
			return p
		}
	}
	return DefaultStorageDir
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
