package cycle

import (
	"context"
	"time"

	"routined/internal/config"
	"routined/internal/eventbus"
	"routined/internal/storage"
)

// State is the orchestrator's position in the cycle.
type State int32

const (
	Idle State = iota
	FetchingRoutines
	SelectingBatch
	Dispatching
	Reconciling
	Sleeping
	Cancelled
)

// MarshalText renders the state name in status documents.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingRoutines:
		return "fetching"
	case SelectingBatch:
		return "selecting"
	case Dispatching:
		return "dispatching"
	case Reconciling:
		return "reconciling"
	case Sleeping:
		return "sleeping"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// History is the outcome log the orchestrator writes to and reads dedup
// hints from. storage.Store satisfies it.
type History interface {
	Append(ctx context.Context, r storage.OutcomeRecord) error
	Recent(ctx context.Context, routineID string, limit int) ([]storage.OutcomeRecord, error)
}

// Config is the hot-reloadable part of the orchestrator's settings.
type Config struct {
	Interval        time.Duration
	MaxInterval     time.Duration
	Concurrency     int // 0 means one worker per selected routine
	DispatchTimeout time.Duration
	ShutdownGrace   time.Duration
	DedupHints      int
}

// FromResolved maps the scheduler/history sections of a resolved config.
func FromResolved(r config.Resolved) Config {
	return Config{
		Interval:        r.Interval,
		MaxInterval:     r.MaxInterval,
		Concurrency:     r.Concurrency,
		DispatchTimeout: r.DispatchTimeout,
		ShutdownGrace:   r.ShutdownGrace,
		DedupHints:      r.DedupHints,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = config.DefaultInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = max(config.DefaultMaxInterval, c.Interval)
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = config.DefaultDispatchTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = config.DefaultShutdownGrace
	}
	if c.Concurrency < 0 {
		c.Concurrency = 0
	}
	if c.DedupHints < 0 {
		c.DedupHints = 0
	}
	return c
}

// Summary describes one finished cycle.
type Summary = eventbus.Summary

// Totals are counters since the orchestrator was created.
type Totals struct {
	Cycles        uint64 `json:"cycles"`
	Dispatched    uint64 `json:"dispatched"`
	Succeeded     uint64 `json:"succeeded"`
	Failed        uint64 `json:"failed"`
	Abandoned     uint64 `json:"abandoned"`
	FetchFailures uint64 `json:"fetch_failures"`
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	State        State
	Cycle        uint64
	Interval     time.Duration
	BaseInterval time.Duration
	// ConsecutiveRateLimited counts rate-limited fetches since the last
	// successful one.
	ConsecutiveRateLimited int
	Totals                 Totals
	Last                   Summary
	LastCycleAt            time.Time
}
