package catalog

import (
	"context"
	"errors"
	"time"
)

// Routine is a user-defined, named, multi-step task. Catalog-owned and
// read-only to the scheduler.
type Routine struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	Steps       []Step `json:"steps"`
}

// Step is one instruction of a routine with an optional parameter bag.
type Step struct {
	Instruction string `json:"instruction"`
	Params      *Value `json:"params,omitempty"`
}

// Report is the outcome summary sent back to the catalog after a dispatch.
type Report struct {
	RoutineID  string    `json:"routineId"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
	ExecutedAt time.Time `json:"executedAt"`
}

// Catalog is the remote routine source.
type Catalog interface {
	// FetchActive returns the routines currently flagged active.
	FetchActive(ctx context.Context) ([]Routine, error)
	// ReportOutcome records an execution outcome. Failures are non-fatal to callers.
	ReportOutcome(ctx context.Context, r Report) error
}

var (
	ErrInvalidRoutine = errors.New("catalog: invalid routine")
	ErrUnauthorized   = errors.New("catalog: unauthorized")
)

// Validate checks the minimal shape the scheduler relies on.
func (r Routine) Validate() error {
	if r.ID == "" {
		return errors.Join(ErrInvalidRoutine, errors.New("missing id"))
	}
	return nil
}

// FilterActive drops inactive and invalid routines and de-duplicates ids
// (first occurrence wins).
func FilterActive(in []Routine) []Routine {
	out := make([]Routine, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, r := range in {
		if !r.Active || r.Validate() != nil {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
