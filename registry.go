package ratelimit

import (
	"fmt"
	"time"

	"github.com/caseworks/ratelimit/counter"
	"github.com/caseworks/ratelimit/store"
)

// Class names a standard operation class with its own threshold.
type Class string

// The standard operation classes.
const (
	ClassAPI       Class = "api"       // general API traffic
	ClassAuth      Class = "auth"      // authentication attempts
	ClassAI        Class = "ai"        // AI-assisted operations
	ClassSensitive Class = "sensitive" // sensitive-data reads
)

// classConfigs is the only place operation classes are registered, so
// thresholds stay auditable in one location.
var classConfigs = map[Class]Config{
	ClassAPI:       {MaxRequests: 100, Window: time.Minute, KeyPrefix: "api"},
	ClassAuth:      {MaxRequests: 5, Window: time.Minute, KeyPrefix: "auth"},
	ClassAI:        {MaxRequests: 10, Window: time.Hour, KeyPrefix: "ai"},
	ClassSensitive: {MaxRequests: 20, Window: time.Minute, KeyPrefix: "sensitive"},
}

// Registry holds one pre-built Limiter per standard operation class,
// constructed once and reused for the process lifetime.
type Registry struct {
	limiters map[Class]*Limiter
}

// NewRegistry builds the standard limiters against the given store client.
// All of them share one local counter, so the in-process entry ceiling is
// global rather than per class.
func NewRegistry(st *store.Client, opts ...Option) (*Registry, error) {
	local := counter.NewLocal()

	limiters := make(map[Class]*Limiter, len(classConfigs))
	for class, cfg := range classConfigs {
		l, err := New(cfg, append([]Option{WithStore(st), WithLocal(local)}, opts...)...)
		if err != nil {
			return nil, fmt.Errorf("building %q limiter: %w", class, err)
		}
		limiters[class] = l
	}

	return &Registry{limiters: limiters}, nil
}

// Limiter returns the limiter for a standard class, or nil for an unknown
// class.
func (r *Registry) Limiter(class Class) *Limiter {
	return r.limiters[class]
}
