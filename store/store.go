// Package store manages the shared Redis handle used by the remote rate
// limit path.
//
// The client is a process-wide singleton constructed lazily from two
// required values, the store URL and access token. Missing configuration
// is a normal runtime mode (local development), not an error: the client
// simply reports itself unavailable and the limiter stays on its local
// counter.
package store

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config holds the connection settings for the shared store. Populate from
// environment variables via FromEnv in application code, or directly in
// tests.
type Config struct {
	// URL is the store endpoint, either a redis:// URL or a host:port
	// address.
	URL string
	// Token authenticates against the store.
	Token string
	// Disabled forces the local path even when credentials are present.
	// Useful for local development against production config.
	Disabled bool
	// Production only affects logging: with it set, absent credentials are
	// logged as a warning instead of being silently ignored. The limiter
	// falls back locally either way.
	Production bool
}

// FromEnv reads the store configuration from the environment.
func FromEnv() Config {
	disabled, _ := strconv.ParseBool(os.Getenv("RATELIMIT_REDIS_DISABLED"))
	return Config{
		URL:        strings.TrimSpace(os.Getenv("RATELIMIT_REDIS_URL")),
		Token:      strings.TrimSpace(os.Getenv("RATELIMIT_REDIS_TOKEN")),
		Disabled:   disabled,
		Production: os.Getenv("APP_ENV") == "production",
	}
}

// Client is a lazily constructed handle to the shared store. Its lifetime
// equals the process lifetime; there is no teardown.
type Client struct {
	cfg Config

	mu  sync.Mutex
	rdb *redis.Client
}

// New creates a client from the given configuration. It never fails and
// never connects; the underlying connection is established on first use.
func New(cfg Config) *Client {
	if cfg.Production && !cfg.Disabled && (cfg.URL == "" || cfg.Token == "") {
		log.Warn().Msg("rate limit store not configured in production, limits are per-instance only")
	}
	return &Client{cfg: cfg}
}

// Available reports whether the remote path may be used: both credentials
// present and remote limiting not disabled.
func (c *Client) Available() bool {
	return !c.cfg.Disabled && c.cfg.URL != "" && c.cfg.Token != ""
}

// Redis returns the shared connection handle, constructing it on first
// call and reusing it afterwards. Returns nil when the store is
// unavailable.
func (c *Client) Redis() *redis.Client {
	if !c.Available() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb == nil {
		c.rdb = newRedisClient(c.cfg)
	}
	return c.rdb
}

func newRedisClient(cfg Config) *redis.Client {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		// Plain host:port address.
		opts = &redis.Options{Addr: cfg.URL}
	}
	if cfg.Token != "" {
		opts.Password = cfg.Token
	}

	// Remote checks must fail fast enough that the local fallback still
	// answers within the request budget.
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	return redis.NewClient(opts)
}

var (
	sharedOnce sync.Once
	shared     *Client
)

// Shared returns the process-wide client built from the environment.
// Repeated calls return the same instance.
func Shared() *Client {
	sharedOnce.Do(func() {
		shared = New(FromEnv())
	})
	return shared
}
