package backoff

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Class is the closed failure taxonomy consumed by the retry engine and the
// cycle orchestrator.
type Class int

const (
	// ClassTransient covers connection refused, timeouts and anything not
	// recognized. Surfaced without retry at this layer.
	ClassTransient Class = iota
	// ClassRateLimited is request throttling by a remote service. Retried with
	// backoff and fed into the adaptive cadence.
	ClassRateLimited
	// ClassPermanent covers validation, auth and not-found failures. Never retried.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error carries an explicit classification produced where the external call
// was made. Classify prefers it over every heuristic.
type Error struct {
	Class      Class
	RetryAfter time.Duration // service-provided hint; 0 if absent
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	if e.Class == ClassRateLimited && e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Class, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited marks err as throttling. after is the service's retry-after hint
// (0 when the service gave none).
//
// Example:
//
//	return backoff.RateLimited(fmt.Errorf("catalog: %s", resp.Status), retryAfter)
func RateLimited(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &Error{Class: ClassRateLimited, RetryAfter: after, Err: err}
}

// Transient marks err as a network-ish failure that this layer does not retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassTransient, Err: err}
}

// Permanent marks err as non-retryable (bad input, auth, not found).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassPermanent, Err: err}
}

// StatusCoder is implemented by errors that carry a protocol status
// (e.g. an HTTP response code).
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an error onto the closed taxonomy.
//
// Order: explicit *Error, status codes, context and network errors, then a
// message heuristic. Message matching is imprecise and only runs when nothing
// structured is available.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if c, ok := classifyStatus(sc.StatusCode()); ok {
			return c
		}
	}

	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}

	return classifyMessage(err.Error())
}

// IsRateLimited reports whether err classifies as throttling.
func IsRateLimited(err error) bool {
	return err != nil && Classify(err) == ClassRateLimited
}

// RetryAfterHint returns the retry-after hint attached to err, if any.
func RetryAfterHint(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func classifyStatus(code int) (Class, bool) {
	switch {
	case code == 429:
		return ClassRateLimited, true
	case code == 408 || code >= 500:
		return ClassTransient, true
	case code >= 400:
		return ClassPermanent, true
	default:
		return ClassTransient, false
	}
}

var (
	rateLimitMarkers = []string{
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
		"429",
		"quota exceeded",
		"quota_exceeded",
		"resource_exhausted",
		"resource exhausted",
	}
	transientMarkers = []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"no such host",
		"eof",
	}
	permanentMarkers = []string{
		"unauthorized",
		"forbidden",
		"not found",
		"invalid",
		"malformed",
	}
)

func classifyMessage(msg string) Class {
	low := strings.ToLower(msg)
	for _, m := range rateLimitMarkers {
		if strings.Contains(low, m) {
			return ClassRateLimited
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(low, m) {
			return ClassTransient
		}
	}
	for _, m := range permanentMarkers {
		if strings.Contains(low, m) {
			return ClassPermanent
		}
	}
	return ClassTransient
}
