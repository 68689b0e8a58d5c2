package counter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultIdleThreshold = 2 * time.Hour
	defaultMaxEntries    = 10000
	sweepInterval        = time.Minute
)

type localEntry struct {
	hits    []time.Time
	touched time.Time
	seq     uint64
}

// insertion records the order entries were created in. Go maps do not
// iterate in insertion order, so eviction tracks sequence numbers
// explicitly. A record whose seq no longer matches the live entry is
// stale and skipped.
type insertion struct {
	key string
	seq uint64
}

// Local enforces a sliding window within a single process. It keeps a
// per-key log of request timestamps, guarded by one mutex, and has no I/O;
// Check always returns a nil error.
//
// Memory is bounded two ways: a lazily started sweep removes entries idle
// past the idle threshold, and insertions over the entry ceiling evict the
// oldest-inserted entries. Under adversarial key cardinality this trades
// accuracy for bounded memory: an evicted key restarts with a fresh window.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	order   []insertion
	nextSeq uint64

	idleThreshold time.Duration
	maxEntries    int

	sweepOnce sync.Once
	stopCh    chan struct{}
}

// LocalOption configures a Local counter.
type LocalOption func(*Local)

// WithIdleThreshold sets how long an untouched entry survives before the
// sweep removes it. It must be materially larger than the longest window
// in use, or live keys get evicted mid-window.
func WithIdleThreshold(d time.Duration) LocalOption {
	return func(l *Local) {
		l.idleThreshold = d
	}
}

// WithMaxEntries sets the hard ceiling on tracked keys.
func WithMaxEntries(n int) LocalOption {
	return func(l *Local) {
		l.maxEntries = n
	}
}

// NewLocal creates an in-process counter. The eviction sweep starts lazily
// on first use, not at construction.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		entries:       make(map[string]*localEntry),
		idleThreshold: defaultIdleThreshold,
		maxEntries:    defaultMaxEntries,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Counter = (*Local)(nil)

func bucketKey(key string, limit int, window time.Duration) string {
	return fmt.Sprintf("%s|%d|%d", key, limit, window.Milliseconds())
}

// Check filters the key's timestamp log down to the current window and
// either records the request or denies it with retry guidance.
func (l *Local) Check(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	l.sweepOnce.Do(func() { go l.sweepLoop() })

	bk := bucketKey(key, limit, window)
	now := time.Now()
	windowStart := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[bk]
	if !ok {
		// touched must be set before the eager sweep below runs, or the
		// sweep sees a zero timestamp and evicts the entry it just made.
		e = &localEntry{seq: l.nextSeq, touched: now}
		l.nextSeq++
		l.entries[bk] = e
		l.order = append(l.order, insertion{key: bk, seq: e.seq})
		l.enforceCeilingLocked(now)
	}
	e.touched = now

	// Slide the window: drop timestamps older than windowStart in place.
	kept := e.hits[:0]
	for _, t := range e.hits {
		if !t.Before(windowStart) {
			kept = append(kept, t)
		}
	}
	e.hits = kept

	if len(e.hits) >= limit {
		resetAt := e.hits[0].Add(window)
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: max(0, resetAt.Sub(now)),
		}, nil
	}

	e.hits = append(e.hits, now)
	return Result{
		Allowed:   true,
		Remaining: limit - len(e.hits),
		ResetAt:   e.hits[0].Add(window),
	}, nil
}

// Len reports the number of tracked buckets.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the eviction sweep.
func (l *Local) Close() error {
	close(l.stopCh)
	return nil
}

// enforceCeilingLocked runs on every insertion. When the map exceeds the
// ceiling it sweeps idle entries eagerly and, if still over, evicts
// oldest-inserted entries until under the ceiling.
func (l *Local) enforceCeilingLocked(now time.Time) {
	if len(l.entries) <= l.maxEntries {
		return
	}
	l.removeIdleLocked(now)
	for len(l.entries) > l.maxEntries && len(l.order) > 0 {
		rec := l.order[0]
		l.order = l.order[1:]
		if e, ok := l.entries[rec.key]; ok && e.seq == rec.seq {
			delete(l.entries, rec.key)
		}
	}
}

func (l *Local) removeIdleLocked(now time.Time) {
	cutoff := now.Add(-l.idleThreshold)
	for k, e := range l.entries {
		if e.touched.Before(cutoff) {
			delete(l.entries, k)
		}
	}

	// Compact stale insertion records once they outnumber live entries.
	if len(l.order) > 2*len(l.entries) {
		kept := l.order[:0]
		for _, rec := range l.order {
			if e, ok := l.entries[rec.key]; ok && e.seq == rec.seq {
				kept = append(kept, rec)
			}
		}
		l.order = kept
	}
}

func (l *Local) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.removeIdleLocked(time.Now())
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}
