// Package counter implements the sliding-window counters backing the
// ratelimit package.
//
// Two implementations exist: Local, an in-process timestamp log that is
// authoritative only within one process, and Remote, a Redis-backed window
// that is authoritative across every process sharing the store. Both
// enforce the same contract, so the limiter can switch between them per
// check without callers noticing.
package counter

import (
	"context"
	"time"
)

// Result is the outcome of a single admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the quota left in the current window. Zero whenever
	// Allowed is false.
	Remaining int
	// ResetAt is when the oldest request in the window slides out.
	ResetAt time.Time
	// RetryAfter is how long the caller should wait before retrying.
	// Zero unless the check was denied.
	RetryAfter time.Duration
}

// Counter checks and consumes one unit of quota for a key.
//
// Implementations must be safe for concurrent use and must scope their
// storage by (key, limit, window), not by key alone, so that two
// configurations sharing a key prefix never share a bucket.
type Counter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}
