package storage

import (
	"context"
	"errors"
	"time"

	"routined/internal/priority"
)

var (
	ErrClosed = priority.ErrPersisterClosed
	ErrLocked = errors.New("storage: another instance holds the run lock")
)

// Config configures storage.
//
// Driver values:
//   - "file": priorities.json snapshot + history.jsonl in Dir
//   - "sqlite": routined.db in Dir (modernc.org/sqlite, no cgo)
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Dir         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OutcomeRecord is one entry of the history log.
// Keep it compact and schema-stable.
type OutcomeRecord struct {
	ID          string    `json:"id"`
	RoutineID   string    `json:"routineId"`
	RoutineName string    `json:"routineName,omitempty"`
	Success     bool      `json:"success"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	Class       string    `json:"class,omitempty"`
	DurationMs  int64     `json:"durationMs"`
	ExecutedAt  time.Time `json:"executedAt"`
	Cycle       uint64    `json:"cycle"`
}

// Store is the persistence API used by the app.
type Store interface {
	priority.Persister

	// Append adds a record to the history log. An empty ID is filled in.
	Append(ctx context.Context, r OutcomeRecord) error
	// Recent returns up to limit records, newest first. An empty routineID
	// matches every routine.
	Recent(ctx context.Context, routineID string, limit int) ([]OutcomeRecord, error)
	// Prune drops records executed before cutoff, then trims the log to the
	// newest maxRecords (0 = no cap). Returns the number of records removed.
	Prune(ctx context.Context, cutoff time.Time, maxRecords int) (int, error)

	Close() error
}
