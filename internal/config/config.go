// Package config holds runtime configuration and logger setup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Store backend selectors
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds all tunables for one client session. Timings default to
// production values; tests shrink them.
type Config struct {
	// Relays are the websocket endpoints the pool connects to.
	Relays []string

	// StoreBackend selects the persistence layer: memory, sqlite or redis.
	StoreBackend string
	SQLitePath   string
	RedisURL     string

	// ConnectTimeout bounds each relay dial.
	ConnectTimeout time.Duration
	// LookupTimeout bounds point lookups (single profile, repost original).
	LookupTimeout time.Duration

	// Reconnect backoff: min(BackoffMax, BackoffBase*2^(attempt-1)) plus
	// up to one second of jitter.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ManualMaxAttempts caps user-triggered reconnects; the automatic
	// path retries forever.
	ManualMaxAttempts int

	// JanitorInterval and CacheTTL bound the profile/reaction/reply caches.
	JanitorInterval time.Duration
	CacheTTL        time.Duration

	// FeedLimit caps initial hydration requests per filter.
	FeedLimit int

	// ClientTag, when set, is advertised in a "client" tag on every
	// published event. Empty disables the tag.
	ClientTag string
}

// Default returns production defaults
func Default() Config {
	return Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.primal.net",
		},
		StoreBackend:      StoreMemory,
		SQLitePath:        "nostrfeed.db",
		ConnectTimeout:    1 * time.Second,
		LookupTimeout:     1 * time.Second,
		BackoffBase:       2 * time.Second,
		BackoffMax:        32 * time.Second,
		ManualMaxAttempts: 5,
		JanitorInterval:   12 * time.Hour,
		CacheTTL:          24 * time.Hour,
		FeedLimit:         100,
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Default()

	if relays := os.Getenv("NOSTR_RELAYS"); relays != "" {
		cfg.Relays = cfg.Relays[:0]
		for _, r := range strings.Split(relays, ",") {
			r = strings.TrimSpace(r)
			if r != "" {
				cfg.Relays = append(cfg.Relays, r)
			}
		}
		if len(cfg.Relays) == 0 {
			return Config{}, fmt.Errorf("NOSTR_RELAYS contains no relay URLs")
		}
	}

	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		switch backend {
		case StoreMemory, StoreSQLite, StoreRedis:
			cfg.StoreBackend = backend
		default:
			return Config{}, fmt.Errorf("invalid STORE_BACKEND %q", backend)
		}
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.SQLitePath = path
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.StoreBackend == StoreRedis && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
	}

	cfg.JanitorInterval = envDuration("JANITOR_INTERVAL", cfg.JanitorInterval)
	cfg.CacheTTL = envDuration("CACHE_TTL", cfg.CacheTTL)
	cfg.ConnectTimeout = envDuration("CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.LookupTimeout = envDuration("LOOKUP_TIMEOUT", cfg.LookupTimeout)
	cfg.ClientTag = os.Getenv("NOSTR_CLIENT_NAME")

	return cfg, nil
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
