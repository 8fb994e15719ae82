// Package pipeline is the boundary to the external generation service: it
// turns one routine into one Outcome.
package pipeline

import (
	"context"
	"errors"

	"routined/internal/catalog"
)

// DedupHints is recent context passed along so the generator can avoid
// repeating itself.
type DedupHints struct {
	RecentMessages []string `json:"recentMessages,omitempty"`
}

// Outcome is the result of one dispatch.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	// Class is an optional failure classification reported by the generator
	// ("rate_limited", "transient", "permanent").
	Class string `json:"class,omitempty"`
	// RetryAfterSeconds is the generator's retry hint for rate-limited failures.
	RetryAfterSeconds int `json:"retryAfterSeconds,omitempty"`
}

// Pipeline dispatches a routine and reports its outcome.
//
// A returned error means the dispatch itself failed (and is classified by
// backoff.Classify); a non-nil Outcome with Success=false is a completed run
// that did not succeed.
type Pipeline interface {
	Dispatch(ctx context.Context, r catalog.Routine, hints DedupHints) (Outcome, error)
}

// Func adapts a function to Pipeline.
type Func func(ctx context.Context, r catalog.Routine, hints DedupHints) (Outcome, error)

func (f Func) Dispatch(ctx context.Context, r catalog.Routine, hints DedupHints) (Outcome, error) {
	return f(ctx, r, hints)
}

var ErrNoCommand = errors.New("pipeline: no command configured")
