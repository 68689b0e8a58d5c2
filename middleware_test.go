package ratelimit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/caseworks/ratelimit"
	"github.com/caseworks/ratelimit/store"
)

func newTestLimiter(t *testing.T, maxRequests int) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(
		ratelimit.Config{MaxRequests: maxRequests, Window: time.Minute, KeyPrefix: "api"},
		ratelimit.WithStore(store.New(store.Config{})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return l
}

func TestHandler_DeniesWith429(t *testing.T) {
	limiter := newTestLimiter(t, 2)

	r := chi.NewRouter()
	r.Use(limiter.Handler)
	r.Get("/cases", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/cases", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("request %d: missing X-RateLimit-Limit", i+1)
		}
		if rr.Header().Get("Retry-After") != "" {
			t.Errorf("request %d: Retry-After must be absent when allowed", i+1)
		}
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Error      string `json:"error"`
		Message    string `json:"message"`
		RetryAfter int64  `json:"retryAfter"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding denial body: %v", err)
	}
	if body.Error != "Too Many Requests" {
		t.Errorf("error = %q, want %q", body.Error, "Too Many Requests")
	}
	if !strings.Contains(body.Message, "Try again in") {
		t.Errorf("message %q should carry the retry delay", body.Message)
	}
	if body.RetryAfter <= 0 {
		t.Errorf("retryAfter = %d, want positive milliseconds", body.RetryAfter)
	}
}

func TestHandler_PrefersAuthenticatedIdentifier(t *testing.T) {
	limiter := newTestLimiter(t, 1)

	identify := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := r.Header.Get("X-Test-User"); user != "" {
				r = r.WithContext(ratelimit.WithIdentifier(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}

	r := chi.NewRouter()
	r.Use(identify, limiter.Handler)
	r.Get("/cases", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Same user from two addresses shares one quota.
	first := httptest.NewRequest("GET", "/cases", http.NoBody)
	first.RemoteAddr = "10.0.0.1:1000"
	first.Header.Set("X-Test-User", "user-1")

	second := httptest.NewRequest("GET", "/cases", http.NoBody)
	second.RemoteAddr = "10.0.0.2:2000"
	second.Header.Set("X-Test-User", "user-1")

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, second)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("same user from another address: expected 429, got %d", rr.Code)
	}

	// A different user from the exhausted address is unaffected.
	other := httptest.NewRequest("GET", "/cases", http.NoBody)
	other.RemoteAddr = "10.0.0.1:1000"
	other.Header.Set("X-Test-User", "user-2")

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, other)
	if rr.Code != http.StatusOK {
		t.Errorf("different user: expected 200, got %d", rr.Code)
	}
}

func TestIdentifier(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*http.Request)
		want  string
	}{
		{
			name: "authenticated user wins",
			setup: func(r *http.Request) {
				*r = *r.WithContext(ratelimit.WithIdentifier(r.Context(), "user-7"))
				r.Header.Set("X-Forwarded-For", "10.0.0.1")
			},
			want: "user-7",
		},
		{
			name: "first forwarded address",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
			},
			want: "10.0.0.1",
		},
		{
			name: "real ip header",
			setup: func(r *http.Request) {
				r.Header.Set("X-Real-IP", "10.0.0.3")
			},
			want: "10.0.0.3",
		},
		{
			name: "remote addr without port",
			setup: func(r *http.Request) {
				r.RemoteAddr = "192.168.1.9:5555"
			},
			want: "192.168.1.9",
		},
		{
			name: "bare remote addr",
			setup: func(r *http.Request) {
				r.RemoteAddr = "192.168.1.9"
			},
			want: "192.168.1.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			tt.setup(req)
			if got := ratelimit.Identifier(req); got != tt.want {
				t.Errorf("Identifier() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLimit_Helper(t *testing.T) {
	limiter := newTestLimiter(t, 1)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Limit(w, r) {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	req := httptest.NewRequest("POST", "/cases/1/ai-summary", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("first call: expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second call: expected 429, got %d", rr.Code)
	}
}

// With a sub-second residual window, the denial body must report the same
// one-second floor the Retry-After header does, never zero.
func TestLimit_DenialBodyRetryFloor(t *testing.T) {
	limiter, err := ratelimit.New(
		ratelimit.Config{MaxRequests: 1, Window: 200 * time.Millisecond, KeyPrefix: "api"},
		ratelimit.WithStore(store.New(store.Config{})),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handler := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/cases", http.NoBody)
	req.RemoteAddr = "192.168.1.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}

	var body struct {
		RetryAfter int64 `json:"retryAfter"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding denial body: %v", err)
	}
	if body.RetryAfter < 1000 {
		t.Errorf("retryAfter = %dms, want at least the 1000ms floor", body.RetryAfter)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rr.Header().Get("Retry-After"))
	}
}

func TestWithIdentifier_RoundTrip(t *testing.T) {
	ctx := ratelimit.WithIdentifier(context.Background(), "user-1")
	if got := ratelimit.IdentifierFromContext(ctx); got != "user-1" {
		t.Errorf("IdentifierFromContext = %q, want user-1", got)
	}
	if got := ratelimit.IdentifierFromContext(context.Background()); got != "" {
		t.Errorf("empty context should yield %q, got %q", "", got)
	}
}
