package priority

import (
	"errors"
	"math"
	"time"
)

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	MinWeight     = 0.1
	MaxWeight     = 5.0
	DefaultWeight = 1.0

	// Alpha is the EMA smoothing factor for SuccessRate.
	Alpha = 0.2
)

// Entry is the per-routine scheduling state.
type Entry struct {
	RoutineID      string     `json:"routineId"`
	Priority       int        `json:"priority"`
	Weight         float64    `json:"weight"`
	LastExecuted   *time.Time `json:"lastExecuted,omitempty"`
	ExecutionCount int64      `json:"executionCount"`
	SuccessRate    float64    `json:"successRate"`
}

// NewEntry returns the defaults for a routine seen for the first time.
func NewEntry(id string) Entry {
	return Entry{
		RoutineID:   id,
		Priority:    DefaultPriority,
		Weight:      DefaultWeight,
		SuccessRate: 1.0,
	}
}

func (e Entry) clone() Entry {
	if e.LastExecuted != nil {
		t := *e.LastExecuted
		e.LastExecuted = &t
	}
	return e
}

// normalize clamps every numeric field into range. Used on load so a
// hand-edited document cannot break selection.
func (e Entry) normalize() Entry {
	e.Priority = ClampPriority(e.Priority)
	e.Weight = ClampWeight(e.Weight)
	if math.IsNaN(e.SuccessRate) {
		e.SuccessRate = 1.0
	}
	e.SuccessRate = min(max(e.SuccessRate, 0), 1)
	if e.ExecutionCount < 0 {
		e.ExecutionCount = 0
	}
	return e
}

// Settings are the global knobs stored alongside the entries.
type Settings struct {
	MaxExecutionsPerCycle  int `json:"maxExecutionsPerCycle"`
	CooldownPeriodSeconds  int `json:"cooldownPeriodSeconds"`
	MinimumIntervalSeconds int `json:"minimumIntervalSeconds"`
}

func DefaultSettings() Settings {
	return Settings{
		MaxExecutionsPerCycle:  3,
		CooldownPeriodSeconds:  300,
		MinimumIntervalSeconds: 60,
	}
}

func (s Settings) normalize() Settings {
	s.MaxExecutionsPerCycle = max(s.MaxExecutionsPerCycle, 0)
	s.CooldownPeriodSeconds = max(s.CooldownPeriodSeconds, 0)
	s.MinimumIntervalSeconds = max(s.MinimumIntervalSeconds, 0)
	return s
}

// Cooldown returns the cooldown period as a duration.
func (s Settings) Cooldown() time.Duration {
	return time.Duration(s.CooldownPeriodSeconds) * time.Second
}

// Document is the persisted form: one per working directory.
type Document struct {
	Priorities     map[string]Entry `json:"priorities"`
	GlobalSettings Settings         `json:"globalSettings"`
}

// Persister stores the full document. Implementations live in
// internal/storage.
type Persister interface {
	// Load returns the stored document. found is false when nothing has been
	// persisted yet.
	Load() (doc Document, found bool, err error)
	Save(doc Document) error
}

// Snapshot is a detached copy of the store, entries sorted by routine id.
type Snapshot struct {
	Entries  []Entry
	Settings Settings
}

var (
	ErrCorruptDocument = errors.New("priority: corrupt document")
	// ErrPersisterClosed is returned by Persister implementations after Close.
	ErrPersisterClosed = errors.New("priority: persister closed")
)

func ClampPriority(v int) int {
	return min(max(v, MinPriority), MaxPriority)
}

func ClampWeight(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultWeight
	}
	return min(max(v, MinWeight), MaxWeight)
}

// UpdateSuccessRate applies one EMA step.
func UpdateSuccessRate(s float64, success bool) float64 {
	x := 0.0
	if success {
		x = 1.0
	}
	return Alpha*x + (1-Alpha)*s
}
