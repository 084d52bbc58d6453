package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot backends
const (
	BackendNone   = "none"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Upstream
	UpstreamURL   string // GraphQL HTTP endpoint
	UpstreamWSURL string // GraphQL subscriptions endpoint (derived from UpstreamURL when empty)
	AuthToken     string // optional JWT, empty => read-only
	SeedFile      string // optional YAML seed, replaces the upstream (dev mode)

	// Feed
	PageSize          int
	TopN              int
	MaxPendingItems   int           // dangling vote buckets
	MaxPendingVotes   int           // dangling votes per bucket
	MaxFlushAttempts  int           // sweep passes before a dangling vote is dropped
	PendingTTL        time.Duration // max age of a dangling vote
	RevocationTimeout time.Duration // unconfirmed submissions are revoked after this
	SweepInterval     time.Duration // reaper tick
	FetchRate         float64       // bulk fetches per second
	FetchBurst        int

	// Snapshot
	SnapshotBackend  string        // none | redis | sqlite
	SnapshotInterval time.Duration // flush tick
	SnapshotTTL      time.Duration // redis key TTL
	SQLitePath       string

	// Redis
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts

	// Access restrictions
	AllowedCIDRS  []string // optional, restrict infra endpoints to these networks
	TrustProxy    bool     // true => trust X-Forwarded-For headers (e.g. cloudflared)
	MutationRate  float64  // mutations per second per client IP
	MutationBurst int
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("FEED_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("FEED_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("FEED_LOG_LEVEL", "info"),
		PrettyLog: mustBool("FEED_PRETTY_LOG", true),

		// Upstream
		SeedFile:      getenv("FEED_SEED_FILE", ""),
		UpstreamWSURL: getenv("FEED_UPSTREAM_WS_URL", ""),
		AuthToken:     getenv("FEED_AUTH_TOKEN", ""),

		// Feed
		PageSize:          getenvInt("FEED_PAGE_SIZE", 5),
		TopN:              getenvInt("FEED_TOP_N", 100),
		MaxPendingItems:   getenvInt("FEED_MAX_PENDING_ITEMS", 1024),
		MaxPendingVotes:   getenvInt("FEED_MAX_PENDING_VOTES", 256),
		MaxFlushAttempts:  getenvInt("FEED_MAX_FLUSH_ATTEMPTS", 5),
		PendingTTL:        mustDuration("FEED_PENDING_TTL", 2*time.Minute),
		RevocationTimeout: mustDuration("FEED_REVOCATION_TIMEOUT", 30*time.Second),
		SweepInterval:     mustDuration("FEED_SWEEP_INTERVAL", 5*time.Second),
		FetchRate:         getenvFloat("FEED_FETCH_RATE", 2),
		FetchBurst:        getenvInt("FEED_FETCH_BURST", 4),

		// Snapshot
		SnapshotBackend:  strings.ToLower(getenv("FEED_SNAPSHOT_BACKEND", BackendNone)),
		SnapshotInterval: mustDuration("FEED_SNAPSHOT_INTERVAL", time.Minute),
		SnapshotTTL:      mustDuration("FEED_SNAPSHOT_TTL", 48*time.Hour),
		SQLitePath:       getenv("FEED_SQLITE_PATH", "linkfeed.db"),

		// Redis settings
		RedisAddr:           getenv("FEED_REDIS_ADDR", ""),
		RedisUser:           getenv("FEED_REDIS_USERNAME", "default"),
		RedisPassword:       getenv("FEED_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("FEED_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Access restrictions
		AllowedCIDRS:  splitAndTrim(getenv("FEED_ALLOWED_CIDRS", "")),
		TrustProxy:    mustBool("FEED_TRUST_PROXY", true),
		MutationRate:  getenvFloat("FEED_MUTATION_RATE", 1),
		MutationBurst: getenvInt("FEED_MUTATION_BURST", 5),
	}

	// The seed file stands in for the upstream, so the URL is only required without it.
	if cfg.SeedFile == "" {
		cfg.UpstreamURL = requireEnv("FEED_UPSTREAM_URL")
	} else {
		cfg.UpstreamURL = getenv("FEED_UPSTREAM_URL", "")
	}
	if cfg.UpstreamWSURL == "" && cfg.UpstreamURL != "" {
		cfg.UpstreamWSURL = deriveWSURL(cfg.UpstreamURL)
	}

	switch cfg.SnapshotBackend {
	case BackendNone, BackendSQLite:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			panic("❌ FATAL: FEED_REDIS_ADDR is required when FEED_SNAPSHOT_BACKEND=redis")
		}
	default:
		panic(fmt.Sprintf("❌ FATAL: Invalid FEED_SNAPSHOT_BACKEND %q (want none, redis or sqlite)", cfg.SnapshotBackend))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		if cfg.AuthToken != "" {
			cfgCopy.AuthToken = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// deriveWSURL maps http(s)://host/path to ws(s)://host/path.
func deriveWSURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String()
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
