// Request adapter for Chi and standard http.Handler.
//
// The adapter extracts an identifier from the inbound request, preferring
// the authenticated user ID placed in the context by the application's
// auth middleware, falling back to the client network address. Denied
// requests get the standard throttling response: 429 with a JSON body and
// the advisory headers from Limiter.Headers.

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
)

type contextKey string

const identifierKey contextKey = "ratelimit_identifier"

// WithIdentifier returns a context carrying the caller identifier,
// normally the authenticated user ID. Applications set this in their auth
// middleware so limits key on users rather than addresses.
func WithIdentifier(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, identifierKey, id)
}

// IdentifierFromContext returns the identifier set by WithIdentifier, or
// an empty string.
func IdentifierFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identifierKey).(string)
	return id
}

// Identifier extracts the rate limit identifier for a request: the
// authenticated user ID when present, else the best-effort client address.
func Identifier(r *http.Request) string {
	if id := IdentifierFromContext(r.Context()); id != "" {
		return id
	}
	return clientAddr(r)
}

// clientAddr reads the first X-Forwarded-For entry, then X-Real-IP, then
// RemoteAddr. The forwarding headers are only trustworthy behind a proxy
// that sets them.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// deniedBody is the standard throttling response body.
type deniedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"` // milliseconds
}

// Limit checks the request and, when denied, writes the complete 429
// response. The advisory headers are always set. Returns true when the
// request may proceed. This is the one method most call sites need:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//		if !limiter.Limit(w, r) {
//			return
//		}
//		// ...
//	}
func (l *Limiter) Limit(w http.ResponseWriter, r *http.Request) bool {
	res := l.Check(r.Context(), Identifier(r))

	for k, vals := range l.Headers(res) {
		w.Header().Set(k, vals[0])
	}

	if res.Allowed {
		l.addLogFields(r, res)
		return true
	}

	secs := retryAfterSeconds(res.RetryAfter)

	// Same one-second floor as the Retry-After header, so the body never
	// reports a shorter wait than the headers do.
	retryMs := res.RetryAfter.Milliseconds()
	if retryMs < 1000 {
		retryMs = 1000
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(deniedBody{
		Error:      "Too Many Requests",
		Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", secs),
		RetryAfter: retryMs,
	})
	return false
}

// Handler returns middleware enforcing this limiter. Denied requests
// receive the standard 429 response and never reach next.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Limit(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// addLogFields attaches canonical log fields when the request carries a
// canonical logging context.
func (l *Limiter) addLogFields(r *http.Request, res Result) {
	ctx := r.Context()
	if _, ok := canonlog.TryGetLogger(ctx); !ok {
		return
	}

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	canonlog.InfoAddMany(ctx, map[string]any{
		"rate_limit_class":     l.cfg.KeyPrefix,
		"rate_limit_remaining": res.Remaining,
		"rate_limit_route":     route,
	})
}
