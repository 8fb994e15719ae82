// Package backoff is the rate-limit-aware retry engine.
//
// Failures are sorted into a closed set of classes (see Class). Only
// ClassRateLimited failures are retried; everything else is handed straight
// back to the caller after a single attempt. Delays grow exponentially from
// the policy base (or the service's retry-after hint, whichever is larger),
// carry up to 10% positive jitter, and are capped at MaxDelay.
//
// SuggestOptimalInterval is the cadence side of the same policy: the cycle
// orchestrator feeds it the count of consecutive rate-limited cycles and
// sleeps for the returned interval.
package backoff
