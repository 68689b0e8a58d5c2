// Package ratelimit provides admission control for named operation
// classes, enforced per caller identifier across one or many server
// instances.
//
// Each Limiter combines an immutable configuration (maximum requests,
// window length, key prefix) with two sliding-window counters: a
// Redis-backed counter shared by every instance, and an in-process counter
// used whenever the shared store is unconfigured, disabled, or failing. A
// store failure never admits a request unchecked; enforcement degrades to
// the local counter instead.
//
// Typical use through the middleware:
//
//	reg, err := ratelimit.NewRegistry(store.Shared())
//	if err != nil {
//		log.Fatal().Err(err).Msg("building rate limiters")
//	}
//	r.Use(reg.Limiter(ratelimit.ClassAPI).Handler)
//
// Call sites that only need a decision use Check, or the functional form:
//
//	ok, retryAfter := ratelimit.Allow(ctx, cfg, userID)
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/caseworks/ratelimit/counter"
	"github.com/caseworks/ratelimit/store"
)

// Result is the outcome of one admission check.
type Result = counter.Result

// Config describes one rate-limited operation class. Configs are created
// once at process start and never mutated.
type Config struct {
	// MaxRequests is the number of requests admitted per Window.
	MaxRequests int `validate:"gt=0"`
	// Window is the sliding window length.
	Window time.Duration `validate:"gt=0"`
	// KeyPrefix namespaces this class's counters, and disambiguates cached
	// limiters in Allow.
	KeyPrefix string `validate:"required"`
	// KeyFunc overrides the default "<prefix>:<identifier>" key derivation.
	KeyFunc func(identifier string) string `validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Limiter is the policy object: it derives keys, picks the remote or local
// counter per check, and shapes counter state into admission decisions and
// advisory headers. All state lives in the counters; a Limiter itself is
// stateless per call and safe for concurrent use.
type Limiter struct {
	cfg    Config
	st     *store.Client
	remote counter.Counter
	local  counter.Counter

	remoteAvailable func() bool
	lastFallbackLog atomic.Int64 // unix nanos of the last fallback warning
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore sets the shared store client. Defaults to store.Shared().
func WithStore(st *store.Client) Option {
	return func(l *Limiter) {
		l.st = st
	}
}

// WithLocal shares an existing local counter between limiters, so the
// in-process eviction ceiling applies across them rather than per limiter.
func WithLocal(local *counter.Local) Option {
	return func(l *Limiter) {
		l.local = local
	}
}

// WithRemote overrides the remote counter and the decision function that
// gates it. Intended for tests and alternative store backends.
func WithRemote(remote counter.Counter, available func() bool) Option {
	return func(l *Limiter) {
		l.remote = remote
		l.remoteAvailable = available
	}
}

// New creates a Limiter. Misconfiguration (non-positive MaxRequests, zero
// window, empty prefix) fails here, at startup, rather than at request
// time.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid rate limit config %q: %w", cfg.KeyPrefix, err)
	}

	l := &Limiter{cfg: cfg}
	for _, opt := range opts {
		opt(l)
	}

	if l.local == nil {
		l.local = counter.NewLocal()
	}
	if l.remote == nil && l.remoteAvailable == nil {
		if l.st == nil {
			l.st = store.Shared()
		}
		if rdb := l.st.Redis(); rdb != nil {
			l.remote = counter.NewRemote(rdb)
		}
		l.remoteAvailable = l.st.Available
	}
	return l, nil
}

// Check decides whether identifier may perform one more operation of this
// class. It never fails: any remote store error is consumed, logged, and
// recovered by falling back to the local counter for that single check.
func (l *Limiter) Check(ctx context.Context, identifier string) Result {
	key := l.key(identifier)

	if l.remote != nil && l.remoteAvailable() {
		res, err := l.remote.Check(ctx, key, l.cfg.MaxRequests, l.cfg.Window)
		if err == nil {
			return res
		}
		l.logFallback(err)
	}

	// Local never fails; it has no I/O.
	res, _ := l.local.Check(ctx, key, l.cfg.MaxRequests, l.cfg.Window)
	return res
}

func (l *Limiter) key(identifier string) string {
	if l.cfg.KeyFunc != nil {
		return l.cfg.KeyFunc(identifier)
	}
	return l.cfg.KeyPrefix + ":" + identifier
}

// fallbackLogEvery bounds how often a store outage is logged, so a failure
// burst produces one warning rather than one per request.
const fallbackLogEvery = 30 * time.Second

func (l *Limiter) logFallback(err error) {
	now := time.Now().UnixNano()
	last := l.lastFallbackLog.Load()
	if now-last < int64(fallbackLogEvery) {
		return
	}
	if l.lastFallbackLog.CompareAndSwap(last, now) {
		log.Warn().Err(err).Str("prefix", l.cfg.KeyPrefix).
			Msg("remote rate limit check failed, falling back to local counter")
	}
}

// Headers returns the advisory headers for a result:
// X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset (epoch
// seconds), plus Retry-After (seconds, minimum 1) only on denial.
func (l *Limiter) Headers(res Result) http.Header {
	h := make(http.Header, 4)
	h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.MaxRequests))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
	}
	return h
}

// retryAfterSeconds rounds up to whole seconds with a floor of one, so
// clients never retry in a sub-second tight loop.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

var allowCache sync.Map // "<prefix>|<max>|<windowMs>" -> *Limiter

// Allow is the functional form for call sites that only need a boolean and
// a retry hint before doing any other work. Limiters are cached per
// (prefix, max requests, window), so repeated calls with the same config
// share counters. A config with a KeyFunc caches separately from the
// default derivation, but two configs differing only in their KeyFunc
// share one slot; build limiters with New when distinct KeyFuncs matter.
//
// An invalid config denies the request and logs an error; this path cannot
// return one, and admitting unchecked would be worse.
func Allow(ctx context.Context, cfg Config, identifier string) (bool, time.Duration) {
	cacheKey := fmt.Sprintf("%s|%d|%d", cfg.KeyPrefix, cfg.MaxRequests, cfg.Window.Milliseconds())
	if cfg.KeyFunc != nil {
		cacheKey += "|keyfunc"
	}
	v, ok := allowCache.Load(cacheKey)
	if !ok {
		l, err := New(cfg)
		if err != nil {
			log.Error().Err(err).Msg("rate limit config rejected")
			return false, 0
		}
		v, _ = allowCache.LoadOrStore(cacheKey, l)
	}

	res := v.(*Limiter).Check(ctx, identifier)
	return res.Allowed, res.RetryAfter
}
